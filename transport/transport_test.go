package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"
)

type echoReq struct{ X int }
type echoResp struct{ Y int }

func TestCallRoundTrip(t *testing.T) {
	tr := New(2 * time.Second)
	tr.Handle("echo", func(ctx context.Context, req []byte) ([]byte, error) {
		var r echoReq
		if err := json.Unmarshal(req, &r); err != nil {
			return nil, err
		}
		return json.Marshal(echoResp{Y: r.X * 2})
	})

	srv := httptest.NewServer(tr.HTTPHandler())
	defer srv.Close()

	var resp echoResp
	err := tr.Call(context.Background(), srv.Listener.Addr().String(), "echo", echoReq{X: 21}, &resp)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Y != 42 {
		t.Fatalf("resp.Y = %d, want 42", resp.Y)
	}
}

func TestCallUnknownMethod(t *testing.T) {
	tr := New(2 * time.Second)
	srv := httptest.NewServer(tr.HTTPHandler())
	defer srv.Close()

	var resp echoResp
	err := tr.Call(context.Background(), srv.Listener.Addr().String(), "nope", echoReq{}, &resp)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
}
