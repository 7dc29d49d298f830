package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbc "github.com/dbcapi/go-deathbycaptcha"
	"github.com/dbcapi/go-deathbycaptcha/solver"
)

type fakeClient struct {
	text     string
	balance  int
	decodes  int
	reports  int
	reportOK bool
	err      error
}

func (f *fakeClient) Decode(_ context.Context, image io.Reader, _ ...dbc.DecodeOption) (*dbc.Captcha, error) {
	f.decodes++
	if _, err := io.ReadAll(image); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &dbc.Captcha{ID: 1234, Text: f.text}, nil
}

func (f *fakeClient) DecodeFile(ctx context.Context, path string, opts ...dbc.DecodeOption) (*dbc.Captcha, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return f.Decode(ctx, file, opts...)
}

func (f *fakeClient) Upload(ctx context.Context, image io.Reader, opts ...dbc.DecodeOption) (*dbc.Captcha, error) {
	return f.Decode(ctx, image, opts...)
}

func (f *fakeClient) GetCaptcha(_ context.Context, id int64) (*dbc.Captcha, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &dbc.Captcha{ID: id, Text: f.text}, nil
}

func (f *fakeClient) Report(_ context.Context, _ int64) (bool, error) {
	f.reports++
	return f.reportOK, f.err
}

func (f *fakeClient) GetBalance(_ context.Context) (int, error) {
	return f.balance, f.err
}

func (f *fakeClient) GetUser(_ context.Context) (*dbc.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &dbc.User{ID: 77, Balance: f.balance}, nil
}

func (f *fakeClient) Close() error { return nil }

func testServer(fc *fakeClient) *server {
	cfg := &proxyConfig{Listen: ":0", Transport: "socket", MaxUpload: 1 << 20}
	return &server{
		log:    zerolog.New(io.Discard),
		cfg:    cfg,
		client: fc,
		solver: solver.New(fc, solver.Config{MaxAttempts: 1}),
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(testServer(&fakeClient{}).routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBalanceEndpoint(t *testing.T) {
	srv := httptest.NewServer(testServer(&fakeClient{balance: 8213}).routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/balance")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 8213, body["balance_cents"])
}

func TestSolveMultipart(t *testing.T) {
	srv := httptest.NewServer(testServer(&fakeClient{text: "ab3x9", balance: 500}).routes())
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("captchafile", "captcha.png")
	require.NoError(t, err)
	_, err = part.Write(pngBytes(t))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/solve", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res solver.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.True(t, res.Success)
	assert.Equal(t, "ab3x9", res.Text)
	assert.Equal(t, int64(1234), res.CaptchaID)
}

func TestSolveJSONBase64(t *testing.T) {
	fc := &fakeClient{text: "7xk2p", balance: 500}
	srv := httptest.NewServer(testServer(fc).routes())
	defer srv.Close()

	req := solveRequest{ImageBase64: base64PNG(t), TimeoutSeconds: 30}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/solve", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res solver.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.True(t, res.Success)
	assert.Equal(t, "7xk2p", res.Text)
	assert.Equal(t, 1, fc.decodes)
}

func TestSolveRejectsEmptyRequest(t *testing.T) {
	srv := httptest.NewServer(testServer(&fakeClient{}).routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/solve", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSolveUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(testServer(&fakeClient{err: dbc.ErrAccessDenied, balance: 500}).routes())
	defer srv.Close()

	req := solveRequest{ImageBase64: base64PNG(t)}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/solve", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var res solver.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestReportEndpoint(t *testing.T) {
	fc := &fakeClient{reportOK: true}
	srv := httptest.NewServer(testServer(fc).routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/captcha/1234/report", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, fc.reports)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{dbc.ErrAccessDenied, http.StatusForbidden},
		{dbc.ErrNotFound, http.StatusNotFound},
		{dbc.ErrServiceOverload, http.StatusServiceUnavailable},
		{dbc.ErrConnection, http.StatusBadGateway},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(testServer(&fakeClient{err: tc.err}).routes())
		resp, err := http.Get(srv.URL + "/user")
		require.NoError(t, err)
		assert.Equal(t, tc.status, resp.StatusCode, "error %v", tc.err)
		resp.Body.Close()
		srv.Close()
	}
}

func base64PNG(t *testing.T) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString(pngBytes(t))
}
