package cocytus

import (
	"context"

	"github.com/acheron-mq/acheron/pkg/domain"
)

// Record captures a message condemned to the dead-letter stream.

type Record struct {
	Message *domain.Message
	Reason  string
	// Source stream entry to clean up, if the message still sits in one.
	SrcStream string
	SrcID     string
	Group     string
}

// Sink is the interface for Cocytus.

type Sink interface {
	Divert(ctx context.Context, rec *Record) error
}
