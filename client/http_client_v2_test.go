package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PetrJanouch/jersey/config"
	httperrors "github.com/PetrJanouch/jersey/errors"
	"github.com/PetrJanouch/jersey/transport"
)

var (
	errRingInit    = &httperrors.HttpError{Type: httperrors.ErrorTransport, TransportErr: httperrors.TransportErrorIoUringInit}
	errUnsupported = &httperrors.HttpError{Type: httperrors.ErrorTransport, TransportErr: httperrors.TransportErrorUnsupported}
)

func TestClient_Get_RingTransports(t *testing.T) {
	for _, kind := range []string{transport.KindGoUring, transport.KindIoUring} {
		t.Run(kind, func(t *testing.T) {
			responseBody := "Hello from " + kind + "!"
			response := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(responseBody), responseBody)

			host, port, cleanup := setupTestServer(t, func(conn net.Conn) {
				if _, err := http.ReadRequest(bufio.NewReader(conn)); err != nil {
					return
				}
				conn.Write([]byte(response))
			})
			defer cleanup()

			client := newTestClient(t, func(cfg *config.Config) { cfg.Transport = kind })
			resp, err := client.Get(context.Background(), fmt.Sprintf("http://%s:%d/test", host, port))
			if errors.Is(err, errRingInit) || errors.Is(err, errUnsupported) {
				t.Skipf("io_uring unavailable: %v", err)
			}
			require.NoError(t, err)

			assert.Equal(t, 200, resp.StatusCode)
			assert.Equal(t, responseBody, readBody(t, resp))
		})
	}
}

func TestNew_UnknownTransport(t *testing.T) {
	cfg := config.Default()
	cfg.Transport = "carrier-pigeon"
	_, err := New(cfg)
	assert.Error(t, err)
}
