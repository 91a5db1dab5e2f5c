package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                     "/",
		"/metrics":                             "/metrics",
		"/v1/licenses":                         "/v1/licenses",
		"/v1/licenses/abc":                     "/v1/licenses/:id",
		"/v1/licenses/abc/activate":            "/v1/licenses/:id/activate",
		"/v1/licenses/abc/cancel-reservation":  "/v1/licenses/:id/cancel-reservation",
		"/v1/licenses/abc/extra":               "/v1/licenses/abc/extra",
		"/v1/licenses/cleanup-expired":         "/v1/licenses/cleanup-expired",
		"/v1/licenses/events":                  "/v1/licenses/events",
		"/v1/licenses/abc/release?reason=done": "/v1/licenses/:id/release",
		"/v1/licenses/abc/request/":            "/v1/licenses/abc/request/",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
