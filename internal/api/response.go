package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/buildtall-systems/chainpos/internal/chain"
	"github.com/buildtall-systems/chainpos/internal/db"
)

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

type orderView struct {
	OrderID      string     `json:"orderId"`
	MerchantID   string     `json:"merchantId"`
	ProductID    string     `json:"productId"`
	ProductName  string     `json:"productName"`
	Amount       string     `json:"amount"`
	Status       string     `json:"status"`
	TxHash       string     `json:"txHash,omitempty"`
	PayerAddress string     `json:"payerAddress,omitempty"`
	PaymentRef   string     `json:"paymentRef,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

func newOrderView(o *db.Order) orderView {
	v := orderView{
		OrderID:      o.ID,
		MerchantID:   o.MerchantID,
		ProductID:    o.ProductID,
		ProductName:  o.ProductName,
		Amount:       o.Amount,
		Status:       o.Status,
		TxHash:       o.TxHash.String,
		PayerAddress: o.PayerAddress.String,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
	if ref, err := chain.OrderRef(o.ID); err == nil {
		v.PaymentRef = ref.Hex()
	}
	if o.CompletedAt.Valid {
		t := o.CompletedAt.Time
		v.CompletedAt = &t
	}
	return v
}

func newOrderViews(orders []db.Order) []orderView {
	views := make([]orderView, 0, len(orders))
	for i := range orders {
		views = append(views, newOrderView(&orders[i]))
	}
	return views
}
