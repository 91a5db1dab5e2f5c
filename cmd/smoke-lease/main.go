// Command smoke-lease drives one reserve, activate, release cycle against a
// running API using tokens minted from the shared secret.
package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"licensehub.org/internal/auth"
	"licensehub.org/internal/ids"
	"licensehub.org/internal/obs"
)

type client struct {
	base string
	http *http.Client
}

func (c client) call(method, path, token string, body, out any) int {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			fatal("encode request", zap.String("path", path), zap.Error(err))
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		fatal("build request", zap.String("path", path), zap.Error(err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fatal("call api", zap.String("method", method), zap.String("path", path), zap.Error(err))
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func fatal(msg string, fields ...zap.Field) {
	obs.Logger().Fatal(msg, fields...)
}

func must(step string, got, want int) {
	if got != want {
		fatal("unexpected status", zap.String("step", step), zap.Int("want", want), zap.Int("got", got))
	}
}

func main() {
	base := os.Getenv("LICENSEHUB_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	tokens, err := auth.NewTokens(os.Getenv("LICENSEHUB_AUTH_SECRET"), auth.WithIssuer(os.Getenv("LICENSEHUB_AUTH_ISSUER")))
	if err != nil {
		fatal("tokens", zap.Error(err))
	}
	mint := func(p auth.Principal) string {
		tok, _, err := tokens.GenerateToken(p, 5*time.Minute)
		if err != nil {
			fatal("mint token", zap.Error(err))
		}
		return tok
	}
	admin := mint(auth.Principal{UserID: "smoke-admin", Role: auth.RoleAdmin})
	user := mint(auth.Principal{UserID: "smoke-" + ids.New(), FirstName: "Smoke", LastName: "Test"})

	c := client{base: base, http: &http.Client{Timeout: 5 * time.Second}}

	var created struct {
		ID string `json:"id"`
	}
	no := "SMOKE-" + ids.New()
	must("provision", c.call(http.MethodPost, "/v1/licenses", admin, map[string]string{
		"license_no": no,
		"username":   "smoke",
		"password":   "smoke-password",
	}, &created), http.StatusCreated)
	path := "/v1/licenses/" + created.ID

	must("request", c.call(http.MethodPost, path+"/request", user, nil, nil), http.StatusOK)
	must("activate", c.call(http.MethodPost, path+"/activate", user, nil, nil), http.StatusOK)

	var detail struct {
		Status   string `json:"status"`
		Password string `json:"password"`
	}
	must("detail", c.call(http.MethodGet, path, user, nil, &detail), http.StatusOK)
	if detail.Status != "active" || detail.Password != "smoke-password" {
		fatal("unexpected detail", zap.String("status", detail.Status))
	}

	must("release", c.call(http.MethodPost, path+"/release", user, nil, nil), http.StatusOK)
	must("retire", c.call(http.MethodDelete, path, admin, nil, nil), http.StatusOK)

	obs.Logger().Info("smoke test passed", zap.String("license_no", no), zap.String("license_id", created.ID))
}
