// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package frontdoor

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// NewAdminHandler returns the admin router for srv, serving
// /metrics, /healthz and /stats.
func NewAdminHandler(srv *Server) http.Handler {
	r := &httprouter.Router{}
	r.Handler(http.MethodGet, "/metrics", srv.Metrics.Handler())
	r.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain")
		select {
		case <-srv.getDoneChan():
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("closing\n"))
		default:
			w.Write([]byte("ok\n"))
		}
	})
	r.GET("/stats", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(srv.Stats()); err != nil {
			Logger.Debug().Err(err).Msg("encode stats")
		}
	})
	return r
}
