package models

import (
	"time"
)

// Client is the tenant owning batches and step configurations
type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
}
