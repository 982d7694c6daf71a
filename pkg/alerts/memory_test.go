package alerts_test

import (
	"testing"

	"github.com/hed1ad/txguard/pkg/alerts"
	"github.com/hed1ad/txguard/pkg/alerts/alertstest"
)

func TestMemoryStore(t *testing.T) {
	alertstest.Run(t, func(t *testing.T) alerts.Store {
		return alerts.NewMemoryStore()
	})
}
