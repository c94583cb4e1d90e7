package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Queue names.
const (
	QueueOrderUpdatesByID     = "order-updates-by-id"
	QueueOrderUpdatesByMaker  = "order-updates-by-maker"
	QueueOrderExpiry          = "order-expiry"
	QueueTokenAggregates      = "token-aggregates"
	QueueCollectionAggregates = "collection-aggregates"
	QueueMetadataRefresh      = "metadata-refresh"
	QueueOrderSubmissions     = "order-submissions"
	QueueFillExport           = "fill-export"
	QueueFillCorrections      = "fill-corrections"
	QueueCrossPostPrefix      = "crosspost-"
)

// JobTask is a durable unit of deferred work. ID is the natural key; queuing
// a task whose ID is already pending replaces the pending one.
type JobTask struct {
	ID         string
	Queue      string
	Payload    []byte
	RetryCount int
	DelayUntil time.Time
	Priority   int
	CreatedAt  time.Time
}

// CrossPostStatus is the persisted outcome of forwarding an order to an
// external orderbook.
type CrossPostStatus struct {
	OrderID     string
	Destination string
	Status      string // pending, posted, failed
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Cross-post status values.
const (
	CrossPostPending = "pending"
	CrossPostPosted  = "posted"
	CrossPostFailed  = "failed"
)

// Source is a front-end, aggregator or router that originates orders or fills.
type Source struct {
	ID      int
	Domain  string
	Name    string
	Address string
}

// CollectionRef is the payload of a collection-aggregates task.
type CollectionRef struct {
	CollectionID string `json:"collectionId"`
}

// MetadataRefresh is the payload of a metadata-refresh task.
type MetadataRefresh struct {
	Contract string `json:"contract"`
	TokenID  string `json:"tokenId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func newTask(queue, id string, payload any) JobTask {
	data, _ := json.Marshal(payload)
	return JobTask{ID: id, Queue: queue, Payload: data}
}

// OrderUpdateTask builds an order-updates-by-id task. Tasks for the same
// order and trigger coalesce.
func OrderUpdateTask(u OrderUpdate) JobTask {
	return newTask(QueueOrderUpdatesByID, u.OrderID+":"+string(u.Trigger), u)
}

// MakerUpdateTask builds an order-updates-by-maker task.
func MakerUpdateTask(u MakerUpdate) JobTask {
	id := strings.ToLower(u.Maker) + ":" + strings.ToLower(u.Contract) + ":" + string(u.Kind)
	if u.TokenID != "" {
		id += ":" + u.TokenID
	}
	return newTask(QueueOrderUpdatesByMaker, id, u)
}

// TokenAggregateTask builds a token-aggregates task keyed by the token.
func TokenAggregateTask(t TokenRef) JobTask {
	t.Contract = strings.ToLower(t.Contract)
	return newTask(QueueTokenAggregates, t.Contract+":"+t.TokenID, t)
}

// CollectionAggregateTask builds a collection-aggregates task keyed by the
// collection.
func CollectionAggregateTask(collectionID string) JobTask {
	collectionID = strings.ToLower(collectionID)
	return newTask(QueueCollectionAggregates, collectionID, CollectionRef{CollectionID: collectionID})
}

// MetadataRefreshTask builds a metadata-refresh task keyed by contract.
func MetadataRefreshTask(m MetadataRefresh) JobTask {
	m.Contract = strings.ToLower(m.Contract)
	return newTask(QueueMetadataRefresh, m.Contract, m)
}

// CrossPostRequest is the payload of a cross-posting task.
type CrossPostRequest struct {
	OrderID     string `json:"orderId"`
	Destination string `json:"destination"`
}

// CrossPostQueue names the queue of one destination.
func CrossPostQueue(destination string) string {
	return QueueCrossPostPrefix + destination
}

// CrossPostTask builds a task forwarding an order to destination.
func CrossPostTask(orderID, destination string) JobTask {
	r := CrossPostRequest{OrderID: strings.ToLower(orderID), Destination: destination}
	return newTask(CrossPostQueue(destination), r.OrderID, r)
}

// ExpirySweepTask builds the singleton order-expiry sweep task.
func ExpirySweepTask() JobTask {
	return JobTask{ID: "sweep", Queue: QueueOrderExpiry}
}

// FillExportTask builds the export task of one UTC day, keyed by the date.
func FillExportTask(day time.Time) JobTask {
	d := day.UTC().Format(time.DateOnly)
	return newTask(QueueFillExport, d, map[string]string{"day": d})
}

// FillCorrection is the payload of a fill-corrections task.
type FillCorrection struct {
	Keys []FillKey `json:"keys"`
}

// FillCorrectionTask builds a task soft-deleting the given fills. Requests
// starting at the same fill with the same length coalesce.
func FillCorrectionTask(keys []FillKey) JobTask {
	id := "empty"
	if len(keys) > 0 {
		id = fmt.Sprintf("%s+%d", keys[0], len(keys))
	}
	return newTask(QueueFillCorrections, id, FillCorrection{Keys: keys})
}
