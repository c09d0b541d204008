// Copyright 2017 Pilosa Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package http carries PDC operations over HTTP: Handler serves a
// transport.Handler and Client implements transport.Transport.
package http

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	pdc "github.com/hpc-io/pdc-sub007"
	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/logger"
	"github.com/hpc-io/pdc-sub007/tracing"
	"github.com/hpc-io/pdc-sub007/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler represents an HTTP handler.
type Handler struct {
	Handler http.Handler

	logger logger.Logger

	backend transport.Handler

	ln net.Listener

	closeTimeout time.Duration

	server *http.Server
}

// handlerOption is a functional option type for Handler
type handlerOption func(s *Handler) error

// OptHandlerBackend sets the handler the operations are dispatched to.
func OptHandlerBackend(b transport.Handler) handlerOption {
	return func(h *Handler) error {
		h.backend = b
		return nil
	}
}

func OptHandlerLogger(logger logger.Logger) handlerOption {
	return func(h *Handler) error {
		h.logger = logger
		return nil
	}
}

func OptHandlerListener(ln net.Listener) handlerOption {
	return func(h *Handler) error {
		h.ln = ln
		return nil
	}
}

// OptHandlerCloseTimeout controls how long to wait for the http Server to
// shutdown cleanly before forcibly destroying it. Default is 30 seconds.
func OptHandlerCloseTimeout(d time.Duration) handlerOption {
	return func(h *Handler) error {
		h.closeTimeout = d
		return nil
	}
}

// NewHandler returns a new instance of Handler with a default logger.
func NewHandler(opts ...handlerOption) (*Handler, error) {
	handler := &Handler{
		logger:       logger.NopLogger,
		closeTimeout: time.Second * 30,
	}
	handler.Handler = newRouter(handler)

	for _, opt := range opts {
		err := opt(handler)
		if err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}

	if handler.backend == nil {
		return nil, errors.New(pdc.ErrInvalidArgument, "must pass OptHandlerBackend")
	}

	handler.server = &http.Server{Handler: handler}
	return handler, nil
}

// Serve serves on the listener until Close. It requires
// OptHandlerListener.
func (h *Handler) Serve() error {
	if h.ln == nil {
		return errors.New(pdc.ErrInvalidArgument, "must pass OptHandlerListener")
	}
	err := h.server.Serve(h.ln)
	if err != nil && err != http.ErrServerClosed {
		h.logger.Printf("HTTP handler terminated with error: %s\n", err)
		return errors.Wrap(err, "serve http")
	}
	return nil
}

// Close tries to cleanly shutdown the HTTP server, and failing that, after a
// timeout, calls Server.Close.
func (h *Handler) Close() error {
	deadlineCtx, cancelFunc := context.WithDeadline(context.Background(), time.Now().Add(h.closeTimeout))
	defer cancelFunc()
	err := h.server.Shutdown(deadlineCtx)
	if err != nil {
		err = h.server.Close()
	}
	return errors.Wrap(err, "shutdown/close http server")
}

func newRouter(handler *Handler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/internal/op/{op}", handler.handlePostOp).Methods("POST").Name("PostOp")
	router.HandleFunc("/status", handler.handleGetStatus).Methods("GET").Name("GetStatus")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET").Name("Metrics")
	return router
}

// ServeHTTP handles an HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {
			h.logger.Errorf("PANIC serving %s: %v", r.URL.Path, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()
	h.Handler.ServeHTTP(w, r)
}

// statusOf maps an error code to an HTTP status.
func statusOf(code errors.Code) int {
	switch code {
	case pdc.ErrInvalidArgument, pdc.ErrShapeMismatch:
		return http.StatusBadRequest
	case pdc.ErrNotFound:
		return http.StatusNotFound
	case pdc.ErrConflict, pdc.ErrAlreadyHeld, pdc.ErrWouldBlock:
		return http.StatusConflict
	case pdc.ErrNotHeld, pdc.ErrInvalidState:
		return http.StatusPreconditionFailed
	case pdc.ErrTimeout:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(errors.CodeOf(err)))
	if _, werr := io.WriteString(w, errors.MarshalJSON(err)); werr != nil {
		h.logger.Errorf("writing error response: %v", werr)
	}
}

func (h *Handler) write(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write(body); err != nil {
		h.logger.Errorf("writing response: %v", err)
	}
}

// handlePostOp handles POST /internal/op/{op} requests.
func (h *Handler) handlePostOp(w http.ResponseWriter, r *http.Request) {
	span, ctx := tracing.GlobalTracer.ExtractHTTPHeaders(r)
	defer span.Finish()
	op := transport.Op(mux.Vars(r)["op"])
	span.LogKV("op", string(op))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, errors.Newf(pdc.ErrInvalidArgument, "reading body: %v", err))
		return
	}
	resp, err := h.backend.Handle(ctx, op, body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.write(w, pdc.ContentType(op), resp)
}

// handleGetStatus handles GET /status requests.
func (h *Handler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.backend.Handle(r.Context(), pdc.OpStatus, nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.write(w, pdc.ContentTypeJSON, resp)
}
