package api_test

import (
	"github.com/srediag/shmipc-core/api"
	"github.com/srediag/shmipc-core/pkg/chunk"
	"github.com/srediag/shmipc-core/pkg/endpoint"
	"github.com/srediag/shmipc-core/pkg/ipcmutex"
	"github.com/srediag/shmipc-core/pkg/relptr"
	"github.com/srediag/shmipc-core/pkg/supervisor"
)

var (
	_ api.Loaner          = (*endpoint.Endpoint)(nil)
	_ api.Loaner          = (*chunk.Manager)(nil)
	_ api.Receiver        = (*endpoint.Endpoint)(nil)
	_ api.Reclaimer       = (*chunk.Manager)(nil)
	_ api.SegmentRegistry = (*relptr.Registry)(nil)
	_ api.RobustLocker    = (*ipcmutex.Mutex)(nil)
	_ api.Health          = (*supervisor.Supervisor)(nil)
)
