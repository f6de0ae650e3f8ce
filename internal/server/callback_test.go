package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/desertthunder/libsync/internal/shared"
)

func callbackRequest(query string) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/callback?"+query, nil)
}

func TestCallbackHandler(t *testing.T) {
	t.Run("Routes", func(t *testing.T) {
		handler := NewCallbackHandler("s")
		routes := handler.Routes()
		if len(routes) != 1 || routes[0] != "/callback" {
			t.Errorf("unexpected routes: %v", routes)
		}
	})

	t.Run("Valid Code Is Delivered", func(t *testing.T) {
		handler := NewCallbackHandler("expected-state")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, callbackRequest("state=expected-state&code=authcode"))

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Authorization Successful") {
			t.Error("expected success page in response body")
		}

		result := <-handler.Result()
		if result.Error() != nil {
			t.Fatalf("expected no error, got %v", result.Error())
		}
		if result.Code != "authcode" {
			t.Errorf("expected authcode, got %s", result.Code)
		}
	})

	t.Run("State Mismatch Fails Closed", func(t *testing.T) {
		handler := NewCallbackHandler("expected-state")
		rec := httptest.NewRecorder()

		// A valid-looking code must not survive a forged state.
		handler.ServeHTTP(rec, callbackRequest("state=forged&code=authcode"))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}

		result := <-handler.Result()
		if !errors.Is(result.Error(), shared.ErrStateMismatch) {
			t.Errorf("expected ErrStateMismatch, got %v", result.Error())
		}
		if result.Code != "" {
			t.Errorf("no code may be delivered on mismatch, got %s", result.Code)
		}
	})

	t.Run("Provider Error Is Surfaced", func(t *testing.T) {
		handler := NewCallbackHandler("expected-state")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, callbackRequest("state=expected-state&error=access_denied&error_description=user+said+no"))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}

		result := <-handler.Result()
		if !errors.Is(result.Error(), shared.ErrAuthFailed) {
			t.Errorf("expected ErrAuthFailed, got %v", result.Error())
		}
		if !strings.Contains(result.Error().Error(), "access_denied") {
			t.Errorf("expected provider error code in message, got %v", result.Error())
		}
	})

	t.Run("Second Callback Is Rejected", func(t *testing.T) {
		handler := NewCallbackHandler("expected-state")

		first := httptest.NewRecorder()
		handler.ServeHTTP(first, callbackRequest("state=expected-state&code=one"))

		second := httptest.NewRecorder()
		handler.ServeHTTP(second, callbackRequest("state=expected-state&code=two"))

		if second.Code != http.StatusBadRequest {
			t.Errorf("expected 400 on replay, got %d", second.Code)
		}

		result := <-handler.Result()
		if result.Code != "one" {
			t.Errorf("expected the first code to win, got %s", result.Code)
		}
	})

	t.Run("Result Channel Closes After Delivery", func(t *testing.T) {
		handler := NewCallbackHandler("s")
		handler.Send(CallbackResult{Code: "x"})

		<-handler.Result()
		if _, open := <-handler.Result(); open {
			t.Error("expected result channel to be closed")
		}
	})
}
