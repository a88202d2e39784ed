package httpserver

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/modelrelay/gateway/internal/models"
	"github.com/modelrelay/gateway/internal/protocol"
	"github.com/modelrelay/gateway/internal/proxy"
	"github.com/modelrelay/gateway/internal/usage"
)

// streamReadSize is the read granularity for upstream SSE bodies. Small
// enough to keep first-token latency low, large enough to avoid syscall
// churn.
const streamReadSize = 8 * 1024

// handleProxy runs the full pipeline for one inference request: detect the
// client protocol, resolve routes, then try each route in order until one
// succeeds or a terminal client error ends the attempt.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request, customPath string) {
	clientProtocol := protocol.DetectClientProtocol(r)

	userToken := extractToken(r)
	if userToken == "" {
		s.respondError(w, http.StatusUnauthorized, "Missing authorization")
		return
	}

	clientHeaders := proxy.FilterHeaders(r.Header)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	requestedModel := protocol.ExtractModel(body)
	if requestedModel == "" {
		s.respondError(w, http.StatusBadRequest, "Missing model field")
		return
	}

	isStream := protocol.IsStreamRequest(body)
	s.logger.Printf("request: protocol=%s model=%s path=%s stream=%v token=%s",
		clientProtocol, requestedModel, r.URL.Path, isStream, maskToken(userToken))

	routes, err := s.resolver.ResolveRoute(r.Context(), userToken, requestedModel)
	if err != nil || len(routes) == 0 {
		if err != nil {
			s.logger.Printf("resolve route: %v", err)
		}
		s.respondError(w, http.StatusServiceUnavailable, "No available routes")
		return
	}

	req := &proxyRequest{
		requestID:      uuid.NewString(),
		userToken:      userToken,
		requestedModel: requestedModel,
		clientProtocol: clientProtocol,
		customPath:     customPath,
		body:           body,
		clientHeaders:  clientHeaders,
	}
	if isStream {
		s.handleStream(w, r, req, routes)
	} else {
		s.handleNonStream(w, r, req, routes)
	}
}

// proxyRequest carries the per-request pipeline state shared by the stream
// and non-stream paths.
type proxyRequest struct {
	requestID      string
	userToken      string
	requestedModel string
	clientProtocol models.Protocol
	customPath     string
	body           []byte
	clientHeaders  http.Header
}

func (s *Server) handleNonStream(w http.ResponseWriter, r *http.Request, req *proxyRequest, routes []models.RouteConfig) {
	for _, route := range routes {
		translated, err := protocol.TranslateRequest(req.clientProtocol, route.Protocol, route.Model, req.body)
		if err != nil {
			s.logger.Printf("translate request for %s: %v", route.APIEndpoint, err)
			continue
		}

		respBody, err := s.forwarder.Forward(r.Context(), route, translated, req.customPath, req.clientHeaders)
		if err != nil {
			if s.routeFailed(w, r, req, route, err) {
				return
			}
			continue
		}

		if input, output, ok := extractUnaryUsage(route.Protocol, respBody); ok {
			s.telemetry.ReportUsage(models.UsageEvent{
				RequestID:       req.requestID,
				Token:           req.userToken,
				Model:           req.requestedModel,
				API:             route.APIEndpoint,
				InputTokens:     input,
				OutputTokens:    output,
				ModelID:         route.ModelID,
				ProviderID:      route.ProviderID,
				ProviderTokenID: route.ProviderTokenID,
			})
		}

		if len(respBody) == 0 {
			s.logger.Printf("empty response body from %s", route.APIEndpoint)
			continue
		}

		out, err := protocol.TranslateResponse(route.Protocol, req.clientProtocol, respBody)
		if err != nil {
			s.logger.Printf("translate response from %s: %v", route.APIEndpoint, err)
			continue
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(out)
		return
	}

	s.respondError(w, http.StatusServiceUnavailable, "All routes failed")
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, req *proxyRequest, routes []models.RouteConfig) {
	for _, route := range routes {
		translated, err := protocol.TranslateRequest(req.clientProtocol, route.Protocol, route.Model, req.body)
		if err != nil {
			s.logger.Printf("translate request for %s: %v", route.APIEndpoint, err)
			continue
		}

		resp, err := s.forwarder.Stream(r.Context(), route, translated, req.customPath, req.clientHeaders)
		if err != nil {
			if s.routeFailed(w, r, req, route, err) {
				return
			}
			continue
		}

		s.pipeStream(w, resp, req, route)
		return
	}

	s.respondError(w, http.StatusServiceUnavailable, "All stream routes failed")
}

// pipeStream relays an established upstream stream to the client, tapping
// raw bytes for usage collection before protocol translation. Once the
// first byte is written the route is committed: failover is no longer
// possible.
func (s *Server) pipeStream(w http.ResponseWriter, resp *http.Response, req *proxyRequest, route models.RouteConfig) {
	defer resp.Body.Close()

	collector := usage.NewCollector(req.requestID, req.userToken, route, s.telemetry)
	defer collector.Finish()

	transformer := protocol.NewStreamTransformer(route.Protocol, req.clientProtocol)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamReadSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			collector.Observe(chunk)

			out, err := transformer.Transform(chunk)
			if err != nil {
				s.logger.Printf("transform stream from %s: %v", route.APIEndpoint, err)
				return
			}
			if len(out) > 0 {
				if _, err := w.Write(out); err != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				s.logger.Printf("read stream from %s: %v", route.APIEndpoint, readErr)
			}
			return
		}
	}
}

// routeFailed handles one failed upstream attempt. It reports the error,
// and either ends the request (returning true, for client errors that no
// other route can fix) or evicts the route so the loop can try the next
// one.
func (s *Server) routeFailed(w http.ResponseWriter, r *http.Request, req *proxyRequest, route models.RouteConfig, err error) (terminal bool) {
	s.logger.Printf("upstream %s failed: %v", route.APIEndpoint, err)

	s.telemetry.ReportError(models.ErrorEvent{
		Token:           route.Token,
		Model:           route.Model,
		API:             route.APIEndpoint,
		Msg:             err.Error(),
		ProviderTokenID: route.ProviderTokenID,
	})

	if proxy.IsClientError(err) {
		s.writeUpstreamError(w, err)
		return true
	}

	s.resolver.RemoveFailedRoute(r.Context(), req.userToken, req.requestedModel, route)
	return false
}

// writeUpstreamError relays a 4xx upstream failure to the client with the
// upstream's own status and body, so SDK error handling keeps working.
func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	var ue *proxy.UpstreamError
	if !errors.As(err, &ue) || len(ue.Body) == 0 {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ue.StatusCode)
	w.Write(ue.Body)
}

// extractUnaryUsage reads token counts out of a complete upstream response
// body, using the field names of the upstream's protocol.
func extractUnaryUsage(p models.Protocol, body []byte) (input, output int, ok bool) {
	if !gjson.ValidBytes(body) {
		return 0, 0, false
	}
	usageVal := gjson.GetBytes(body, "usage")
	if !usageVal.Exists() {
		return 0, 0, false
	}

	var in, out gjson.Result
	if p.Normalize() == models.ProtocolAnthropic {
		in = usageVal.Get("input_tokens")
		out = usageVal.Get("output_tokens")
	} else {
		in = usageVal.Get("prompt_tokens")
		out = usageVal.Get("completion_tokens")
	}
	if !in.Exists() || !out.Exists() {
		return 0, 0, false
	}
	return int(in.Int()), int(out.Int()), true
}
