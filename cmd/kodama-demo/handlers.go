package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ashita-ai/kodama"
)

type api struct {
	store      *store
	pipe       *kodama.Pipeline
	client     *http.Client
	validate   *validator.Validate
	receiptURL string
}

type createOrderRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
	Item       string `json:"item"       validate:"required,min=1,max=200"`
	Quantity   int    `json:"quantity"   validate:"required,gte=1,lte=1000"`
}

func (a *api) getOrder(w http.ResponseWriter, r *http.Request) error {
	o, err := a.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, o)
}

func (a *api) listOrders(w http.ResponseWriter, r *http.Request) error {
	orders, err := a.store.List(r.Context(), 100)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"orders": orders,
		"count":  len(orders),
	})
}

func (a *api) createOrder(w http.ResponseWriter, r *http.Request) error {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		return kodama.Validation(err.Error())
	}
	// validator.ValidationErrors resolve to 400 with per-field detail.
	if err := a.validate.Struct(req); err != nil {
		return err
	}

	o := order{
		ID:         uuid.New().String(),
		CustomerID: req.CustomerID,
		Item:       req.Item,
		Quantity:   req.Quantity,
		Status:     "pending",
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.Create(r.Context(), o); err != nil {
		return err
	}

	a.pipe.Logger().InfoContext(r.Context(), "order created",
		"order_id", o.ID, "customer_id", o.CustomerID)
	return writeJSON(w, http.StatusCreated, o)
}

// getReceipt fetches the receipt from the configured downstream service,
// carrying the trace across the hop; without one it renders the receipt
// locally under a child span.
func (a *api) getReceipt(w http.ResponseWriter, r *http.Request) error {
	o, err := a.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}

	if a.receiptURL == "" {
		_, span := a.pipe.StartSpan(r.Context(), "receipt.render")
		defer span.End()
		span.SetTag("order.id", o.ID)
		return writeJSON(w, http.StatusOK, map[string]any{
			"order_id": o.ID,
			"item":     o.Item,
			"quantity": o.Quantity,
		})
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet,
		fmt.Sprintf("%s/receipts/%s", a.receiptURL, o.ID), nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("receipt service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return kodama.NewError(http.StatusBadGateway, "upstream", "receipt service unavailable")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err = io.Copy(w, resp.Body)
	return err
}

func (a *api) boom(http.ResponseWriter, *http.Request) error {
	panic("boom: deliberate demo panic")
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
