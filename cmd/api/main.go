package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/clinicLedger/pkg/config"
	"github.com/mcclellann/clinicLedger/pkg/ledger"
	"github.com/mcclellann/clinicLedger/pkg/models"
	"github.com/mcclellann/clinicLedger/pkg/store"
	"github.com/rs/cors"
)

// Server holds the ledger instance.
type Server struct {
	ledger  *ledger.Ledger
	storage store.Storage // Keep a reference to the storage to close it
}

func NewServer(s store.Storage, opts ...ledger.Option) *Server {
	return &Server{
		ledger:  ledger.NewLedger(s, opts...),
		storage: s,
	}
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.healthHandler).Methods("GET")

	router.HandleFunc("/payments", s.listPaymentsHandler).Methods("GET")
	router.HandleFunc("/payments", s.createPaymentHandler).Methods("POST")
	router.HandleFunc("/payments/{id}", s.getPaymentHandler).Methods("GET")
	router.HandleFunc("/payments/{id}", s.updatePaymentHandler).Methods("PATCH")
	router.HandleFunc("/payments/{id}", s.deletePaymentHandler).Methods("DELETE")
	router.HandleFunc("/payments/{id}/cancel", s.cancelPaymentHandler).Methods("POST")
	router.HandleFunc("/payments/{id}/installments", s.listInstallmentsHandler).Methods("GET")
	router.HandleFunc("/payments/{id}/installments", s.createPlanHandler).Methods("POST")

	// overdue before {id} so it is not parsed as an installment ID
	router.HandleFunc("/installments/overdue", s.overdueHandler).Methods("GET")
	router.HandleFunc("/installments/{id}/pay", s.payInstallmentHandler).Methods("POST")

	router.HandleFunc("/schedules/preview", s.previewHandler).Methods("POST")

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: message})
}

// writeError maps ledger and store errors to status codes. Unclassified
// errors are logged and reported without detail.
func writeError(w http.ResponseWriter, action string, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation_error", Message: verr.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "conflict", Message: err.Error()})
	default:
		log.Printf("Error %s: %v", action, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: fmt.Sprintf("failed to %s", action)})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid %s ID", what))
		return uuid.Nil, false
	}
	return id, true
}

func queryID(r *http.Request, key string) (uuid.UUID, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s", key)
	}
	return id, nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if !decode(w, r, &req) {
		return
	}

	payment, plans, err := s.ledger.CreatePayment(r.Context(), ledger.CreatePaymentInput{
		AppointmentID:           req.AppointmentID,
		PatientID:               req.PatientID,
		Amount:                  req.Amount,
		Method:                  req.PaymentMethod,
		PaymentDate:             req.PaymentDate.Time,
		Notes:                   req.Notes,
		PaidAmount:              req.PaidAmount,
		PayInFull:               req.PayInFull,
		InstallmentCount:        req.InstallmentCount,
		FirstDueDate:            req.FirstDueDate.Time,
		FirstInstallmentPrepaid: req.FirstInstallmentPrepaid,
	})
	if err != nil {
		writeError(w, "create payment", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"payment":      toPayment(payment),
		"installments": toInstallments(plans),
	})
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	var filter store.PaymentFilter
	var err error
	if filter.PatientID, err = queryID(r, "patient_id"); err != nil {
		badRequest(w, err.Error())
		return
	}
	if filter.AppointmentID, err = queryID(r, "appointment_id"); err != nil {
		badRequest(w, err.Error())
		return
	}
	filter.Status = models.PaymentStatus(r.URL.Query().Get("status"))

	payments, err := s.ledger.ListPayments(r.Context(), filter)
	if err != nil {
		writeError(w, "list payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayments(payments))
}

func (s *Server) getPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "payment")
	if !ok {
		return
	}

	payment, err := s.ledger.GetPayment(r.Context(), id)
	if err != nil {
		writeError(w, "get payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayment(payment))
}

func (s *Server) updatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "payment")
	if !ok {
		return
	}
	var req updatePaymentRequest
	if !decode(w, r, &req) {
		return
	}

	payment, err := s.ledger.UpdatePaymentDetails(r.Context(), id, ledger.PaymentDetails{
		Method: req.PaymentMethod,
		Notes:  req.Notes,
	})
	if err != nil {
		writeError(w, "update payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayment(payment))
}

func (s *Server) deletePaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "payment")
	if !ok {
		return
	}

	if err := s.ledger.DeletePayment(r.Context(), id); err != nil {
		writeError(w, "delete payment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "payment")
	if !ok {
		return
	}

	payment, err := s.ledger.CancelPayment(r.Context(), id)
	if err != nil {
		writeError(w, "cancel payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayment(payment))
}

func (s *Server) createPlanHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "payment")
	if !ok {
		return
	}
	var req createPlanRequest
	if !decode(w, r, &req) {
		return
	}

	payment, plans, err := s.ledger.CreateInstallmentPlan(r.Context(), id, req.InstallmentCount, req.AnchorDate.Time)
	if err != nil {
		writeError(w, "create installment plan", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"payment":      toPayment(payment),
		"installments": toInstallments(plans),
	})
}

func (s *Server) listInstallmentsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "payment")
	if !ok {
		return
	}

	plans, summary, err := s.ledger.ListInstallments(r.Context(), id)
	if err != nil {
		writeError(w, "list installments", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"installments": toInstallments(plans),
		"summary":      toSummary(summary),
	})
}

func (s *Server) payInstallmentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "installment")
	if !ok {
		return
	}

	payment, plan, err := s.ledger.RecordInstallmentPayment(r.Context(), id)
	if err != nil {
		writeError(w, "record installment payment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payment":     toPayment(payment),
		"installment": toInstallment(plan),
	})
}

func (s *Server) overdueHandler(w http.ResponseWriter, r *http.Request) {
	plans, err := s.ledger.ListOverdueInstallments(r.Context())
	if err != nil {
		writeError(w, "list overdue installments", err)
		return
	}
	writeJSON(w, http.StatusOK, toInstallments(plans))
}

func (s *Server) previewHandler(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !decode(w, r, &req) {
		return
	}

	entries, err := s.ledger.PreviewSchedule(req.Amount, req.InstallmentCount, req.FirstDueDate.Time, req.FirstInstallmentPrepaid)
	if err != nil {
		writeError(w, "preview schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"installments": toEntries(entries)})
}

func openStorage(cfg *config.Config) (store.Storage, error) {
	switch cfg.DBDriver {
	case "postgres":
		return store.NewPostgresStore(cfg.DatabaseURL)
	default:
		return store.NewSQLiteStore(cfg.SQLitePath)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	storage, err := openStorage(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize %s store: %v", cfg.DBDriver, err)
	}
	defer storage.Close()

	server := NewServer(storage,
		ledger.WithLocation(cfg.Location()),
		ledger.WithMaxRetries(cfg.MaxRetries),
	)

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         int((12 * time.Hour).Seconds()),
	}).Handler(server.routes())

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("Server starting on %s (%s store, time zone %s)", cfg.Addr(), cfg.DBDriver, cfg.Timezone)
	log.Fatal(srv.ListenAndServe())
}
