package api

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/granite-tiles/server/internal/service"
)

// ErrUnknownDataset is returned for IDs missing from the configuration.
var ErrUnknownDataset = errors.New("unknown dataset")

// Opener opens the volume service of a configured dataset.
type Opener func(datasetID string) (*service.VolumeService, error)

// DatasetInfo describes one configured dataset. Datasets whose last open
// failed are listed with Available false and the failure.
type DatasetInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// DatasetRegistry holds the volume services of the configured datasets.
// Services can be opened, replaced and retried while the server runs.
type DatasetRegistry struct {
	mu       sync.RWMutex
	services map[string]*service.VolumeService
	failures map[string]string
	open     Opener

	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a registry for the datasets in order.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.VolumeService),
		failures:       make(map[string]string),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// SetOpener sets how Open and Reload create services.
func (r *DatasetRegistry) SetOpener(open Opener) {
	r.mu.Lock()
	r.open = open
	r.mu.Unlock()
}

// Register adds a volume service for a dataset, closing the one it replaces.
func (r *DatasetRegistry) Register(datasetID string, svc *service.VolumeService) {
	r.mu.Lock()
	old := r.services[datasetID]
	r.services[datasetID] = svc
	delete(r.failures, datasetID)
	r.mu.Unlock()

	if old != nil && old != svc {
		old.Close()
	}
}

func (r *DatasetRegistry) configured(datasetID string) bool {
	for _, id := range r.datasetOrder {
		if id == datasetID {
			return true
		}
	}
	return false
}

// Open opens datasetID through the opener and registers the result. A
// failure is remembered and reported by Datasets.
func (r *DatasetRegistry) Open(datasetID string) error {
	if !r.configured(datasetID) {
		return fmt.Errorf("%w: %s", ErrUnknownDataset, datasetID)
	}
	r.mu.RLock()
	open := r.open
	r.mu.RUnlock()
	if open == nil {
		return fmt.Errorf("no opener for dataset %s", datasetID)
	}

	svc, err := open(datasetID)
	if err != nil {
		r.mu.Lock()
		r.failures[datasetID] = err.Error()
		r.mu.Unlock()
		return err
	}
	r.Register(datasetID, svc)
	return nil
}

// Reload reopens an available dataset in place and retries one whose
// last open failed.
func (r *DatasetRegistry) Reload(datasetID string) error {
	if svc := r.Get(datasetID); svc != nil {
		return svc.Reload()
	}
	if err := r.Open(datasetID); err != nil {
		return err
	}
	log.Printf("[Registry] dataset %s is now available", datasetID)
	return nil
}

// Get returns the volume service for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.VolumeService {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services[datasetID]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Granite"
}

// Datasets lists every configured dataset in config order.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		info := DatasetInfo{ID: id, Name: id, Available: r.services[id] != nil}
		if !info.Available {
			info.Error = r.failures[id]
		}
		infos = append(infos, info)
	}
	return infos
}

// Close releases every registered dataset.
func (r *DatasetRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, svc := range r.services {
		svc.Close()
		delete(r.services, id)
	}
}
