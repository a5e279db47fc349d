package models

// ReceiptStatus is the delivery status reported by the messaging gateway.
type ReceiptStatus string

const (
	ReceiptSent      ReceiptStatus = "sent"
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptRead      ReceiptStatus = "read"
	ReceiptFailed    ReceiptStatus = "failed"
)

// Receipt is one gateway delivery status event.
type Receipt struct {
	To     string        `json:"to"`
	Status ReceiptStatus `json:"status"`
	Time   int64         `json:"time"`
}
