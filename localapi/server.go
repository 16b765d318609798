package localapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	log "github.com/sirupsen/logrus"
)

// ChargePointReader is the read-only view served by the local API.
type ChargePointReader interface {
	ConnectionStateValue() string
	RegistrationStatusValue() string
	ConnectorStatuses() map[int]core.ChargePointStatus
	ActiveTransactions() []TransactionView
}

// TransactionView is the wire shape of one active transaction.
type TransactionView struct {
	ConnectorID   int       `json:"connectorId"`
	SessionID     string    `json:"sessionId"`
	TransactionID int       `json:"transactionId"`
	IDTag         string    `json:"idTag"`
	StartTime     time.Time `json:"startTime"`
	MeterStartWh  float64   `json:"meterStartWh"`
}

// Server is a small operator/diagnostics HTTP surface on the charger itself.
type Server struct {
	cp     ChargePointReader
	server *http.Server
}

func NewServer(cp ChargePointReader, addr string) *Server {
	s := &Server{cp: cp}

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/connectors", s.handleConnectors).Methods(http.MethodGet)
	api.HandleFunc("/transactions", s.handleTransactions).Methods(http.MethodGet)

	s.server = &http.Server{Addr: addr, Handler: router}
	return s
}

func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("local api server")
		}
	}()
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("shutting down local api")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"connectionState":    s.cp.ConnectionStateValue(),
		"registrationStatus": s.cp.RegistrationStatusValue(),
	})
}

func (s *Server) handleConnectors(w http.ResponseWriter, r *http.Request) {
	statuses := s.cp.ConnectorStatuses()
	out := make(map[string]string, len(statuses))
	for connector, status := range statuses {
		out[strconv.Itoa(connector)] = string(status)
	}
	writeJSON(w, out)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	transactions := s.cp.ActiveTransactions()
	if transactions == nil {
		transactions = []TransactionView{}
	}
	writeJSON(w, transactions)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("encoding response")
	}
}
