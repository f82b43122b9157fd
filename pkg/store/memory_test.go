package store_test

import (
	"testing"

	"modernvpn/pkg/store"
	"modernvpn/pkg/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.AssignmentStore {
		return store.NewMemoryStore()
	})
}
