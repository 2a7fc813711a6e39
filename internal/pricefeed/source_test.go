package pricefeed

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestStaticSource_SetAndGet(t *testing.T) {
	s := NewStaticSource()
	s.SetQuote("ETH", decimal.NewFromInt(2000))

	q, err := s.GetPrice(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.USDPrice.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("expected price 2000, got %s", q.USDPrice)
	}
	if q.AsOf.IsZero() {
		t.Error("quote must carry a timestamp")
	}
}

func TestStaticSource_MissingQuote(t *testing.T) {
	s := NewStaticSource()
	if _, err := s.GetPrice(context.Background(), "ETH"); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}

	s.SetQuote("ETH", decimal.NewFromInt(2000))
	s.RemoveQuote("ETH")
	if _, err := s.GetPrice(context.Background(), "ETH"); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable after removal, got %v", err)
	}
}
