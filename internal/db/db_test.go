package db

import (
	"context"
	"testing"
)

func TestConnect_EmptyURL(t *testing.T) {
	_, err := Connect(context.Background(), "")
	if err == nil {
		t.Fatal("Connect() with an empty URL should fail")
	}
}
