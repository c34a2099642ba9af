/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httpapi implements the HTTP surface of §6: path routing and
// request/response marshaling over the orchestration layers (ipalloc,
// nicfsm, pooldispatch, search). Per §1 this scaffolding is "out of scope"
// for the core's correctness and is treated here as a thin external
// collaborator wired against the core's real types.
//
// Grounded in internal/controllers/ipaddressclaim_controller.go's handler
// shape (FetchPool/EnsureAddress/ReleaseAddress as named steps) and on
// gorilla/mux (named from other_examples/manifests/kfelternv-bare-metal-manager-rest/go.mod)
// for path-variable routing matching §6's `/networks/{uuid}/ips/{ip}` style paths.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ubiquiti-community/napi-go/internal/apierror"
	"github.com/ubiquiti-community/napi-go/internal/config"
	"github.com/ubiquiti-community/napi-go/internal/ipalloc"
	"github.com/ubiquiti-community/napi-go/internal/kv"
	"github.com/ubiquiti-community/napi-go/internal/logging"
	"github.com/ubiquiti-community/napi-go/internal/nicfsm"
	"github.com/ubiquiti-community/napi-go/internal/pooldispatch"
	"github.com/ubiquiti-community/napi-go/internal/search"
)

// Server holds the orchestration layers the HTTP handlers dispatch to.
type Server struct {
	Store      kv.Store
	Allocator  *ipalloc.Allocator
	NicMachine *nicfsm.Machine
	Dispatcher *pooldispatch.Dispatcher
	Searcher   *search.Searcher
	Config     config.Config
	Log        logr.Logger
}

// NewServer wires every orchestration layer against a single store, per
// §5's "process-wide state is limited to the adapter connection pool and
// logger" rule.
func NewServer(store kv.Store, cfg config.Config, log logr.Logger) *Server {
	s := &Server{
		Store:     store,
		Allocator: ipalloc.New(store),
		Searcher:  search.New(store),
		Config:    cfg,
		Log:       log,
	}
	s.NicMachine = nicfsm.New(store, cfg.AdminUUID)
	s.Dispatcher = pooldispatch.New(store, s.lookupNetwork, cfg.AdminUUID)
	return s
}

// Router builds the gorilla/mux router for the full §6 HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLogMiddleware)

	r.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)

	r.HandleFunc("/nic_tags", s.handleListNicTags).Methods(http.MethodGet)
	r.HandleFunc("/nic_tags", s.handleCreateNicTag).Methods(http.MethodPost)
	r.HandleFunc("/nic_tags/{name}", s.handleGetNicTag).Methods(http.MethodGet)
	r.HandleFunc("/nic_tags/{name}", s.handleUpdateNicTag).Methods(http.MethodPut)
	r.HandleFunc("/nic_tags/{name}", s.handleDeleteNicTag).Methods(http.MethodDelete)

	r.HandleFunc("/networks", s.handleListNetworks).Methods(http.MethodGet)
	r.HandleFunc("/networks", s.handleCreateNetwork).Methods(http.MethodPost)
	r.HandleFunc("/networks/{uuid}", s.handleGetNetwork).Methods(http.MethodGet)
	r.HandleFunc("/networks/{uuid}", s.handleUpdateNetwork).Methods(http.MethodPut)
	r.HandleFunc("/networks/{uuid}", s.handleDeleteNetwork).Methods(http.MethodDelete)

	r.HandleFunc("/networks/{uuid}/ips", s.handleListIPs).Methods(http.MethodGet)
	r.HandleFunc("/networks/{uuid}/ips/{ip}", s.handleGetIP).Methods(http.MethodGet)
	r.HandleFunc("/networks/{uuid}/ips/{ip}", s.handleUpdateIP).Methods(http.MethodPut)
	r.HandleFunc("/networks/{uuid}/nics", s.handleProvisionOnNetwork).Methods(http.MethodPost)

	r.HandleFunc("/network_pools", s.handleListPools).Methods(http.MethodGet)
	r.HandleFunc("/network_pools", s.handleCreatePool).Methods(http.MethodPost)
	r.HandleFunc("/network_pools/{uuid}", s.handleGetPool).Methods(http.MethodGet)
	r.HandleFunc("/network_pools/{uuid}", s.handleUpdatePool).Methods(http.MethodPut)
	r.HandleFunc("/network_pools/{uuid}", s.handleDeletePool).Methods(http.MethodDelete)
	r.HandleFunc("/network_pools/{uuid}/nics", s.handleProvisionOnPool).Methods(http.MethodPost)

	r.HandleFunc("/nics", s.handleListNics).Methods(http.MethodGet)
	r.HandleFunc("/nics", s.handleCreateNic).Methods(http.MethodPost)
	r.HandleFunc("/nics/{mac}", s.handleGetNic).Methods(http.MethodGet)
	r.HandleFunc("/nics/{mac}", s.handleUpdateNic).Methods(http.MethodPut)
	r.HandleFunc("/nics/{mac}", s.handleDeleteNic).Methods(http.MethodDelete)

	r.HandleFunc("/aggregations", s.handleListAggregations).Methods(http.MethodGet)
	r.HandleFunc("/aggregations", s.handleCreateAggregation).Methods(http.MethodPost)
	r.HandleFunc("/aggregations/{id}", s.handleGetAggregation).Methods(http.MethodGet)
	r.HandleFunc("/aggregations/{id}", s.handleUpdateAggregation).Methods(http.MethodPut)
	r.HandleFunc("/aggregations/{id}", s.handleDeleteAggregation).Methods(http.MethodDelete)

	r.HandleFunc("/search/ips", s.handleSearchIPs).Methods(http.MethodGet)

	return r
}

// requestLogMiddleware attaches a request-scoped logger carrying
// request_id/method/path, per the ambient-stack logging convention.
func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		log := logging.WithRequest(s.Log, reqID, r.Method, r.URL.Path)
		ctx := logging.IntoContext(r.Context(), log)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		log.V(1).Info("request handled", "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	healthy := true
	if err := s.Store.Ping(r.Context()); err != nil {
		status = "error"
		healthy = false
	}
	writeJSON(w, http.StatusOK, map[string]any{"healthy": healthy, "status": status})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates the §7 error taxonomy into an HTTP response.
func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := apierrorAs(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"code":    "InternalError",
			"message": err.Error(),
		})
		return
	}

	body := map[string]any{"code": string(apiErr.Kind), "message": apiErr.Message}
	if len(apiErr.Fields) > 0 {
		body["errors"] = apiErr.Fields
	}
	if len(apiErr.UsedBy) > 0 {
		body["errors"] = apiErr.UsedBy
	}
	writeJSON(w, apiErr.Status(), body)
}

func apierrorAs(err error) (*apierror.Error, bool) {
	type causer interface{ Unwrap() error }
	for err != nil {
		if ae, ok := err.(*apierror.Error); ok {
			return ae, true
		}
		c, ok := err.(causer)
		if !ok {
			return nil, false
		}
		err = c.Unwrap()
	}
	return nil, false
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierror.New(apierror.KindInvalidParams, "malformed JSON body")
	}
	return nil
}
