package gateway

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		handler := func(params map[string]any) (any, error) {
			return "result", nil
		}

		err := router.RegisterMethod("test.method", handler)
		assert.NoError(t, err)
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})
}

func TestRPCRouter_UnregisterMethod(t *testing.T) {
	router := NewRPCRouter()

	handler := func(params map[string]any) (any, error) {
		return "result", nil
	}

	router.RegisterMethod("test.method", handler)
	assert.True(t, router.HasMethod("test.method"))

	router.UnregisterMethod("test.method")
	assert.False(t, router.HasMethod("test.method"))
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		data := []byte(`{"id":"1","method":"test.method","params":{"key":"value"}}`)

		req, err := router.ParseRequest(data)
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "test.method", req.Method)
		assert.Equal(t, "value", req.Params["key"])
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	t.Run("should reject malformed JSON", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{invalid json}`))
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, ParseError, rpcErr.Code)
	})

	t.Run("should reject request without id", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"method":"test.method"}`))
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
		assert.Contains(t, rpcErr.Message, "missing id")
	})

	t.Run("should reject request without method", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"id":"1"}`))
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
		assert.Contains(t, rpcErr.Message, "missing method")
	})
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should route to registered handler", func(t *testing.T) {
		handler := func(params map[string]any) (any, error) {
			return map[string]any{"echo": params["input"]}, nil
		}

		router.RegisterMethod("test.echo", handler)

		resp := router.RouteRequest(&RPCRequest{
			ID:     "1",
			Method: "test.echo",
			Params: map[string]any{"input": "hello"},
		})
		assert.Equal(t, "1", resp.ID)
		assert.Nil(t, resp.Error)

		result := resp.Result.(map[string]any)
		assert.Equal(t, "hello", result["echo"])
	})

	t.Run("should return error for unknown method", func(t *testing.T) {
		resp := router.RouteRequest(&RPCRequest{ID: "1", Method: "unknown.method"})
		assert.Nil(t, resp.Result)
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("should return error when handler fails", func(t *testing.T) {
		handler := func(params map[string]any) (any, error) {
			return nil, fmt.Errorf("handler error")
		}

		router.RegisterMethod("test.error", handler)

		resp := router.RouteRequest(&RPCRequest{ID: "1", Method: "test.error"})
		assert.Nil(t, resp.Result)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "handler error")
	})

	t.Run("should preserve handler RPC error codes", func(t *testing.T) {
		handler := func(params map[string]any) (any, error) {
			return nil, &RPCError{Code: InvalidParams, Message: "chat_id is required"}
		}

		router.RegisterMethod("test.params", handler)

		resp := router.RouteRequest(&RPCRequest{ID: "1", Method: "test.params"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("should replay cached response for idempotency key", func(t *testing.T) {
		calls := 0
		handler := func(params map[string]any) (any, error) {
			calls++
			return calls, nil
		}

		router.RegisterMethod("test.once", handler)

		first := router.RouteRequest(&RPCRequest{ID: "1", Method: "test.once", IdempotencyKey: "k-1"})
		second := router.RouteRequest(&RPCRequest{ID: "2", Method: "test.once", IdempotencyKey: "k-1"})

		assert.Equal(t, 1, calls)
		assert.Equal(t, first.Result, second.Result)
		assert.Equal(t, "2", second.ID)
	})
}

func TestRPCRouter_Methods(t *testing.T) {
	router := NewRPCRouter()

	handler := func(params map[string]any) (any, error) {
		return nil, nil
	}

	router.RegisterMethod("method1", handler)
	router.RegisterMethod("method2", handler)

	methods := router.Methods()
	assert.Len(t, methods, 2)
	assert.Contains(t, methods, "method1")
	assert.Contains(t, methods, "method2")
}
