package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"log/slog"

	"github.com/splax/glimpse/internal/service/sandbox"
)

// previewProxy is the front door for preview traffic. Requests under the
// preview prefix are routed by project id to the instance's internal port;
// internal ports are never exposed to callers.
type previewProxy struct {
	sandbox *sandbox.Service
	logger  *slog.Logger
	prefix  string
}

func newPreviewProxy(svc *sandbox.Service, logger *slog.Logger, prefix string) *previewProxy {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = "/p"
	}
	return &previewProxy{sandbox: svc, logger: logger, prefix: prefix}
}

func (p *previewProxy) handle(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, p.prefix+"/")
	projectID, rest, _ := strings.Cut(trimmed, "/")
	if projectID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	port, err := p.sandbox.Port(projectID)
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown project")
		case errors.Is(err, sandbox.ErrNotRunning):
			writeError(w, http.StatusNotFound, "project is not running")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = "/" + rest
			pr.Out.URL.RawQuery = req.URL.RawQuery
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			p.logger.Warn("preview proxy error", "project_id", projectID, "error", err)
			writeError(w, http.StatusBadGateway, "preview instance unreachable")
		},
	}
	proxy.ServeHTTP(w, req)
}
