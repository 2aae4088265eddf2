// Package ingest defines the shared contract implemented by the three
// ingestion adapters (container logs, packet capture, RPC ingress).
package ingest

import (
	"context"

	"sipwatch/internal/bus"
)

// Ingestor runs until ctx is cancelled, pushing LogRecords onto the
// ingress bus. Each implementation decides for itself whether to block
// on a full bus (data integrity) or drop (never stall the source).
type Ingestor interface {
	Run(ctx context.Context, out *bus.IngressBus) error
}
