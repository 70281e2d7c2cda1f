package proxy

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/models"
)

// StatusFunc resolves a proxy token the router has no live route for, so the
// client error can distinguish "never existed" from "still starting" from
// "terminated". The second return is false for unknown tokens.
type StatusFunc func(ctx context.Context, token string) (string, bool)

type Options struct {
	// TargetHost is the container host reachable from the broker; proxied
	// traffic goes to TargetHost:<session port>.
	TargetHost string
	// Scheme toward the container. Kasm images terminate TLS themselves with
	// a self-signed certificate, hence the insecure transport below.
	Scheme      string
	VNCUser     string
	VNCPassword string
	Status      StatusFunc
	// OnActivity is invoked for every request forwarded to a live route,
	// feeding the idle reaper.
	OnActivity func(token string)
}

type route struct {
	port  int
	proxy *httputil.ReverseProxy
}

// Router maps stable proxy-path tokens to live container ports. The table is
// mutated only by the lifecycle manager on state transitions and read on
// every proxied request.
type Router struct {
	mu     sync.RWMutex
	routes map[string]*route

	opts       Options
	authHeader string
	transport  http.RoundTripper
}

func NewRouter(opts Options) *Router {
	r := &Router{
		routes: make(map[string]*route),
		opts:   opts,
	}
	if opts.VNCUser != "" {
		creds := opts.VNCUser + ":" + opts.VNCPassword
		r.authHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
	}
	if opts.Scheme == "https" {
		r.transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return r
}

// Register installs a live route. Called by the lifecycle manager when a
// session reaches RUNNING.
func (r *Router) Register(token string, port int) {
	target := &url.URL{
		Scheme: r.opts.Scheme,
		Host:   net.JoinHostPort(r.opts.TargetHost, strconv.Itoa(port)),
	}

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
			if r.authHeader != "" {
				req.Header.Set("Authorization", r.authHeader)
			}
		},
		Transport: r.transport,
		// Desktop traffic is interactive; stream every byte through.
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			log.Printf("Proxy error for %s: %v", token, err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"error":"desktop unreachable"}`))
		},
	}

	r.mu.Lock()
	r.routes[token] = &route{port: port, proxy: proxy}
	r.mu.Unlock()
	log.Printf("Route registered: %s -> :%d", token, port)
}

// Deregister removes a route. Idempotent.
func (r *Router) Deregister(token string) {
	r.mu.Lock()
	_, existed := r.routes[token]
	delete(r.routes, token)
	r.mu.Unlock()
	if existed {
		log.Printf("Route deregistered: %s", token)
	}
}

func (r *Router) Routes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Handle forwards a request addressed to /desktops/:token/*path to the
// session's container, preserving the WebSocket upgrade handshake so the
// remote display protocol passes through untouched.
func (r *Router) Handle(c *gin.Context) {
	token := c.Param("token")

	r.mu.RLock()
	rt, ok := r.routes[token]
	r.mu.RUnlock()

	if !ok {
		r.answerMiss(c, token)
		return
	}

	if r.opts.OnActivity != nil {
		r.opts.OnActivity(token)
	}

	subpath := c.Param("path")
	if subpath == "" {
		subpath = "/"
	}
	c.Request.URL.Path = subpath
	c.Request.URL.RawPath = ""

	rt.proxy.ServeHTTP(c.Writer, c.Request)
}

func (r *Router) answerMiss(c *gin.Context, token string) {
	if r.opts.Status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown desktop"})
		return
	}

	status, found := r.opts.Status(c.Request.Context(), token)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown desktop"})
		return
	}

	switch status {
	case models.SessionStatusCreating:
		c.Header("Retry-After", "2")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "desktop is starting", "status": status})
	case models.SessionStatusStopping, models.SessionStatusStopped,
		models.SessionStatusRemoving, models.SessionStatusFailed:
		c.JSON(http.StatusGone, gin.H{"error": "desktop has been terminated", "status": status})
	default:
		// Session claims RUNNING but no route is installed; transient during
		// a resume, tell the client to retry.
		c.Header("Retry-After", "2")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "desktop is not ready", "status": status})
	}
}
