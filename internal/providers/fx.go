package providers

import (
	"github.com/labfoundry/chargeback/internal/providers/email"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
)
