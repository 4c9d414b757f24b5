package memory

import (
	"testing"

	"github.com/LeJamon/trustrelay/internal/storage/database/dbtest"
)

func TestMemoryBackend(t *testing.T) {
	dbtest.Run(t, New())
}
