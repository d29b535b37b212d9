package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"slc_0123456789abcdef01234567", true},
		{"user-42", true},
		{"auth0|abc", false}, // pipe not allowed
		{"", false},
		{"_leading", false},
		{"has space", false},
	}

	for _, tc := range tests {
		if got := IsValidID(tc.id); got != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestIsValidCurrency(t *testing.T) {
	if !IsValidCurrency("EUR") {
		t.Error("EUR should be valid")
	}
	for _, c := range []string{"eur", "EURO", ""} {
		if IsValidCurrency(c) {
			t.Errorf("%q should be invalid", c)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hel\x00lo", 10, "hello"},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("sliceId", ""),
		ValidID("providerId", "bad id"),
		PositiveAmount("sliceAmount", 0),
		PositiveAmount("big", MaxAmount+1),
		NonNegative("hearts", -1),
		OneOf("action", "maybe", "accept", "reject"),
		MaxLength("reason", "abc", 2),
	)
	if len(errs) != 7 {
		t.Fatalf("expected 7 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "sliceId: is required" {
		t.Errorf("unexpected message %q", errs.Error())
	}

	if errs := Validate(
		Required("sliceId", "slc_1"),
		ValidID("providerId", ""),
		PositiveAmount("sliceAmount", 10000),
		OneOf("action", "accept", "accept", "reject"),
	); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/slices/:id", IDParamMiddleware("id"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slices/slc_1", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid id: got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slices/%3Cscript%3E", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid id: got %d", w.Code)
	}
}
