package query

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func testMux() *http.ServeMux {
	mux := http.NewServeMux()
	svc := NewService(nil, 5000, zerolog.Nop())
	svc.RegisterRoutes(mux)
	return mux
}

func TestHandleTopRejectsBadLimit(t *testing.T) {
	for _, raw := range []string{"abc", "-1", "1.5"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/delegates/top?limit="+raw, nil)
		rec := httptest.NewRecorder()
		testMux().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%q: status = %d, want 400", raw, rec.Code)
		}
	}
}

func TestHandleTopRejectsPost(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/delegates/top", nil)
	rec := httptest.NewRecorder()
	testMux().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandleGetEmptyIDNotFound(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/delegates/", nil)
	rec := httptest.NewRecorder()
	testMux().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRoundForDisplay(t *testing.T) {
	v := roundForDisplay(DelegateView{VotingPower: 123.456789, SharePercent: 33.3333333})
	if v.VotingPower != 123.46 {
		t.Errorf("VotingPower = %v, want 123.46", v.VotingPower)
	}
	if v.SharePercent != 33.33333 {
		t.Errorf("SharePercent = %v, want 33.33333", v.SharePercent)
	}
}
