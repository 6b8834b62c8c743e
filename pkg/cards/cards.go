package cards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanbook/pkg/models"
	"github.com/mcclellann/loanbook/pkg/store"
)

var (
	ErrForbidden           = errors.New("card belongs to another user")
	ErrCardNotFound        = errors.New("debit card not found")
	ErrTransactionNotFound = errors.New("debit card transaction not found")
	ErrCardHasTransactions = errors.New("debit card has transactions")
	ErrInvalidCardType     = errors.New("card type is required")
	ErrInvalidAmount       = errors.New("transaction amount must be positive")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
)

const cardValidity = 1 // years

// Service manages a user's debit cards and the transactions made with them.
type Service struct {
	storage store.CardStorage
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	randSrc rand.Source // Card number digits
}

func NewService(s store.CardStorage, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		storage: s,
		logger:  logger,
		now:     time.Now,
		randSrc: rand.NewSource(time.Now().UnixNano()),
	}
}

// ListCards returns the user's active cards.
func (s *Service) ListCards(ctx context.Context, userID string) ([]*models.DebitCard, error) {
	all, err := s.storage.GetDebitCardsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	active := make([]*models.DebitCard, 0, len(all))
	for _, c := range all {
		if c.IsActive {
			active = append(active, c)
		}
	}
	return active, nil
}

// CreateCard issues a new active card of the given type, valid for one year.
func (s *Service) CreateCard(ctx context.Context, userID, cardType string) (*models.DebitCard, error) {
	cardType = strings.TrimSpace(cardType)
	if cardType == "" {
		return nil, ErrInvalidCardType
	}

	now := s.now()
	card := &models.DebitCard{
		ID:             uuid.New(),
		UserID:         userID,
		Number:         s.cardNumber(),
		Type:           cardType,
		ExpirationDate: now.AddDate(cardValidity, 0, 0),
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.storage.CreateDebitCard(ctx, card); err != nil {
		return nil, fmt.Errorf("failed to store debit card: %w", err)
	}

	s.logger.InfoContext(ctx, "debit card created", "card_id", card.ID, "user_id", userID, "type", cardType)
	return card, nil
}

func (s *Service) GetCard(ctx context.Context, userID string, id uuid.UUID) (*models.DebitCard, error) {
	return s.ownedCard(ctx, userID, id)
}

// SetActive activates or deactivates a card. Deactivation stamps disabled_at.
func (s *Service) SetActive(ctx context.Context, userID string, id uuid.UUID, active bool) (*models.DebitCard, error) {
	card, err := s.ownedCard(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if active {
		card.DisabledAt = nil
	} else if card.DisabledAt == nil {
		card.DisabledAt = &now
	}
	card.IsActive = active
	card.UpdatedAt = now

	if err := s.storage.UpdateDebitCard(ctx, card); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("failed to update debit card: %w", err)
	}
	s.logger.InfoContext(ctx, "debit card updated", "card_id", id, "active", active)
	return card, nil
}

// DeleteCard removes a card that has never been used.
func (s *Service) DeleteCard(ctx context.Context, userID string, id uuid.UUID) error {
	if _, err := s.ownedCard(ctx, userID, id); err != nil {
		return err
	}

	txs, err := s.storage.GetTransactionsForDebitCard(ctx, id)
	if err != nil {
		return err
	}
	if len(txs) > 0 {
		return ErrCardHasTransactions
	}

	if err := s.storage.DeleteDebitCard(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrCardNotFound
		}
		return fmt.Errorf("failed to delete debit card: %w", err)
	}
	s.logger.InfoContext(ctx, "debit card deleted", "card_id", id)
	return nil
}

func (s *Service) ListTransactions(ctx context.Context, userID string, cardID uuid.UUID) ([]*models.DebitCardTransaction, error) {
	if _, err := s.ownedCard(ctx, userID, cardID); err != nil {
		return nil, err
	}
	return s.storage.GetTransactionsForDebitCard(ctx, cardID)
}

// CreateTransaction records a charge against one of the user's cards.
func (s *Service) CreateTransaction(ctx context.Context, userID string, cardID uuid.UUID, amount int64, currency models.Currency) (*models.DebitCardTransaction, error) {
	if !currency.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}
	if _, err := s.ownedCard(ctx, userID, cardID); err != nil {
		return nil, err
	}

	tx := &models.DebitCardTransaction{
		ID:          uuid.New(),
		DebitCardID: cardID,
		Amount:      models.Money{Amount: amount, Currency: currency},
		CreatedAt:   s.now(),
	}
	if err := s.storage.CreateDebitCardTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to store debit card transaction: %w", err)
	}
	s.logger.InfoContext(ctx, "debit card transaction created",
		"transaction_id", tx.ID, "card_id", cardID, "amount", tx.Amount.String())
	return tx, nil
}

func (s *Service) GetTransaction(ctx context.Context, userID string, id uuid.UUID) (*models.DebitCardTransaction, error) {
	tx, err := s.storage.GetDebitCardTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if _, err := s.ownedCard(ctx, userID, tx.DebitCardID); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Service) ownedCard(ctx context.Context, userID string, id uuid.UUID) (*models.DebitCard, error) {
	card, err := s.storage.GetDebitCard(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	if card.UserID != userID {
		return nil, ErrForbidden
	}
	return card, nil
}

// cardNumber returns 16 random digits, never starting with zero.
func (s *Service) cardNumber() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := rand.New(s.randSrc)

	var b strings.Builder
	b.Grow(16)
	b.WriteByte(byte('1' + r.Intn(9)))
	for i := 1; i < 16; i++ {
		b.WriteByte(byte('0' + r.Intn(10)))
	}
	return b.String()
}
