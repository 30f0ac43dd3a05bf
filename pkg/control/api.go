// Package control implements the local control API: newline-delimited
// JSON requests over a unix or TCP socket, exposing the DHT verbs of a
// running node.
package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/beekad/internal/dht"
	"github.com/WebFirstLanguage/beekad/pkg/cid"
	"github.com/WebFirstLanguage/beekad/pkg/peer"
)

// callTimeout bounds one asynchronous DHT operation behind a request.
const callTimeout = 2 * time.Minute

// Request represents a control API request.
type Request struct {
	Method string                 `json:"method"`
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Response represents a control API response.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Server implements the control API server.
type Server struct {
	dht *dht.DHT
	log *zap.Logger
}

// NewServer creates a new control API server over the given DHT.
func NewServer(d *dht.DHT, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{dht: d, log: log.Named("control")}
}

// Serve accepts client connections until the context is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			var request Request
			if err := decoder.Decode(&request); err != nil {
				return
			}

			response := s.handleRequest(request)

			if err := encoder.Encode(response); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleRequest(request Request) Response {
	switch request.Method {
	case "put":
		return s.handlePut(request)
	case "get":
		return s.handleGet(request)
	case "provide":
		return s.handleProvide(request)
	case "providers":
		return s.handleFindProviders(request)
	case "findpeer":
		return s.handleFindPeer(request)
	case "status":
		return s.handleStatus(request)
	default:
		return Response{
			ID:    request.ID,
			Error: fmt.Sprintf("unknown method: %s", request.Method),
		}
	}
}

func (s *Server) handlePut(request Request) Response {
	key, err := keyParam(request)
	if err != nil {
		return Response{ID: request.ID, Error: err.Error()}
	}
	value, ok := request.Params["value"].(string)
	if !ok {
		return Response{ID: request.ID, Error: "value parameter is required and must be a string"}
	}

	if err := s.dht.PutSignedValue(key, []byte(value), uint64(time.Now().UnixMilli())); err != nil {
		return Response{ID: request.ID, Error: fmt.Sprintf("put failed: %v", err)}
	}
	return Response{ID: request.ID, Result: map[string]interface{}{"stored": true}}
}

func (s *Server) handleGet(request Request) Response {
	key, err := keyParam(request)
	if err != nil {
		return Response{ID: request.ID, Error: err.Error()}
	}

	type outcome struct {
		value []byte
		err   error
	}
	done := make(chan outcome, 1)
	err = s.dht.GetValue(key, func(value []byte, err error) {
		done <- outcome{value: value, err: err}
	})
	if err != nil {
		return Response{ID: request.ID, Error: fmt.Sprintf("get failed: %v", err)}
	}

	select {
	case out := <-done:
		if out.err != nil {
			return Response{ID: request.ID, Error: out.err.Error()}
		}
		return Response{ID: request.ID, Result: map[string]interface{}{
			"value": base64.StdEncoding.EncodeToString(out.value),
		}}
	case <-time.After(callTimeout):
		return Response{ID: request.ID, Error: "get timed out"}
	}
}

func (s *Server) handleProvide(request Request) Response {
	key, err := keyParam(request)
	if err != nil {
		return Response{ID: request.ID, Error: err.Error()}
	}
	if err := s.dht.Provide(key, true); err != nil {
		return Response{ID: request.ID, Error: fmt.Sprintf("provide failed: %v", err)}
	}
	return Response{ID: request.ID, Result: map[string]interface{}{"announced": true}}
}

func (s *Server) handleFindProviders(request Request) Response {
	key, err := keyParam(request)
	if err != nil {
		return Response{ID: request.ID, Error: err.Error()}
	}
	limit := 0
	if v, ok := request.Params["limit"].(float64); ok {
		limit = int(v)
	}

	done := make(chan Response, 1)
	err = s.dht.FindProviders(key, limit, func(providers []peer.Info, err error) {
		if err != nil {
			done <- Response{ID: request.ID, Error: err.Error()}
			return
		}
		out := make([]map[string]interface{}, len(providers))
		for i, p := range providers {
			out[i] = map[string]interface{}{"peer": p.ID.String(), "addrs": p.Addrs}
		}
		done <- Response{ID: request.ID, Result: map[string]interface{}{"providers": out}}
	})
	if err != nil {
		return Response{ID: request.ID, Error: fmt.Sprintf("providers failed: %v", err)}
	}

	select {
	case resp := <-done:
		return resp
	case <-time.After(callTimeout):
		return Response{ID: request.ID, Error: "providers timed out"}
	}
}

func (s *Server) handleFindPeer(request Request) Response {
	idStr, ok := request.Params["peer"].(string)
	if !ok {
		return Response{ID: request.ID, Error: "peer parameter is required and must be a string"}
	}
	id, err := peer.Decode(idStr)
	if err != nil {
		return Response{ID: request.ID, Error: err.Error()}
	}

	done := make(chan Response, 1)
	err = s.dht.FindPeer(id, func(info peer.Info, err error) {
		if err != nil {
			done <- Response{ID: request.ID, Error: err.Error()}
			return
		}
		done <- Response{ID: request.ID, Result: map[string]interface{}{
			"peer":  info.ID.String(),
			"addrs": info.Addrs,
		}}
	})
	if err != nil {
		return Response{ID: request.ID, Error: fmt.Sprintf("findpeer failed: %v", err)}
	}

	select {
	case resp := <-done:
		return resp
	case <-time.After(callTimeout):
		return Response{ID: request.ID, Error: "findpeer timed out"}
	}
}

func (s *Server) handleStatus(request Request) Response {
	return Response{ID: request.ID, Result: map[string]interface{}{
		"routing_table_size": s.dht.RoutingTable().Size(),
		"buckets":            s.dht.RoutingTable().BucketInfo(),
		"providers":          s.dht.ContentRoutingTable().Size(),
		"records":            s.dht.Storage().Size(),
	}}
}

// keyParam decodes the key of a request: a content id ("cid"), base64
// bytes ("key_b64"), or a UTF-8 string ("key").
func keyParam(request Request) ([]byte, error) {
	if s, ok := request.Params["cid"].(string); ok {
		c, err := cid.Parse(s)
		if err != nil {
			return nil, err
		}
		return c.Bytes(), nil
	}
	if encoded, ok := request.Params["key_b64"].(string); ok {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid key_b64: %w", err)
		}
		return key, nil
	}
	key, ok := request.Params["key"].(string)
	if !ok || key == "" {
		return nil, fmt.Errorf("key parameter is required and must be a non-empty string")
	}
	return []byte(key), nil
}
