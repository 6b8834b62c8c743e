package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/loanbook/pkg/auth"
	"github.com/mcclellann/loanbook/pkg/cards"
	"github.com/mcclellann/loanbook/pkg/ledger"
	"github.com/mcclellann/loanbook/pkg/models"
)

var (
	errForbidden = errors.New("loan belongs to another user")
	errBadDate   = errors.New("dates must be YYYY-MM-DD")
)

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrLoanNotFound),
		errors.Is(err, cards.ErrCardNotFound),
		errors.Is(err, cards.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, errForbidden),
		errors.Is(err, cards.ErrForbidden),
		errors.Is(err, cards.ErrCardHasTransactions):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidSchedule),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrUnsupportedCurrency),
		errors.Is(err, ledger.ErrCurrencyMismatch),
		errors.Is(err, ledger.ErrOverpayment),
		errors.Is(err, ledger.ErrMissingOwner),
		errors.Is(err, cards.ErrInvalidCardType),
		errors.Is(err, cards.ErrInvalidAmount),
		errors.Is(err, cards.ErrUnsupportedCurrency),
		errors.Is(err, errBadDate):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "internal server error", code)
		return
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["id"])
}

// parseDate accepts YYYY-MM-DD; empty means today.
func (s *Server) parseDate(v string) (time.Time, error) {
	if v == "" {
		return s.now(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: got %q", errBadDate, v)
	}
	return t, nil
}

func currencyCode(code string) (models.Currency, error) {
	c, err := models.ParseCurrency(code)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ledger.ErrUnsupportedCurrency, code)
	}
	return c, nil
}

func actingUser(r *http.Request) string {
	userID, _ := auth.UserFromContext(r.Context())
	return userID
}

// ownedLoan loads a loan and checks it belongs to the acting user.
func (s *Server) ownedLoan(r *http.Request) (*models.Loan, error) {
	loanID, err := pathID(r)
	if err != nil {
		return nil, err
	}
	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		return nil, err
	}
	if loan.UserID != actingUser(r) {
		return nil, errForbidden
	}
	return loan, nil
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount       int64  `json:"amount"`
		CurrencyCode string `json:"currency_code"`
		Terms        int    `json:"terms"`
		ProcessedAt  string `json:"processed_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	currency, err := currencyCode(req.CurrencyCode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	processedAt, err := s.parseDate(req.ProcessedAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	loan, err := s.ledger.IssueLoan(r.Context(), actingUser(r), req.Amount, currency, req.Terms, processedAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.ListLoans(r.Context(), actingUser(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if loans == nil {
		loans = []*models.Loan{}
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := pathID(r); err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	loan, err := s.ownedLoan(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) applyRepaymentHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := pathID(r); err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Amount       int64  `json:"amount"`
		CurrencyCode string `json:"currency_code"`
		ReceivedAt   string `json:"received_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := s.ownedLoan(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	currency, err := currencyCode(req.CurrencyCode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	receivedAt, err := s.parseDate(req.ReceivedAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	repayment, err := s.ledger.ApplyRepayment(r.Context(), loan.ID, req.Amount, currency, receivedAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, repayment)
}

func (s *Server) listRepaymentsHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := pathID(r); err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	loan, err := s.ownedLoan(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	repayments, err := s.ledger.ListReceivedRepayments(r.Context(), loan.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if repayments == nil {
		repayments = []*models.ReceivedRepayment{}
	}
	writeJSON(w, http.StatusOK, repayments)
}

func (s *Server) listCardsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.cards.ListCards(r.Context(), actingUser(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createCardHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	card, err := s.cards.CreateCard(r.Context(), actingUser(r), req.Type)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

func (s *Server) getCardHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid debit card ID", http.StatusBadRequest)
		return
	}
	card, err := s.cards.GetCard(r.Context(), actingUser(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) updateCardHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid debit card ID", http.StatusBadRequest)
		return
	}
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.IsActive == nil {
		http.Error(w, "is_active is required", http.StatusUnprocessableEntity)
		return
	}

	card, err := s.cards.SetActive(r.Context(), actingUser(r), id, *req.IsActive)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) deleteCardHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid debit card ID", http.StatusBadRequest)
		return
	}
	if err := s.cards.DeleteCard(r.Context(), actingUser(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	cardID, err := uuid.Parse(r.URL.Query().Get("debit_card_id"))
	if err != nil {
		http.Error(w, "Invalid debit card ID", http.StatusBadRequest)
		return
	}
	txs, err := s.cards.ListTransactions(r.Context(), actingUser(r), cardID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []*models.DebitCardTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) createTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DebitCardID  uuid.UUID `json:"debit_card_id"`
		Amount       int64     `json:"amount"`
		CurrencyCode string    `json:"currency_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	currency, err := models.ParseCurrency(req.CurrencyCode)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %q", cards.ErrUnsupportedCurrency, req.CurrencyCode))
		return
	}
	tx, err := s.cards.CreateTransaction(r.Context(), actingUser(r), req.DebitCardID, req.Amount, currency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) getTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid transaction ID", http.StatusBadRequest)
		return
	}
	tx, err := s.cards.GetTransaction(r.Context(), actingUser(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}
