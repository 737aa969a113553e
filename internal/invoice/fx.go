package invoice

import (
	"github.com/labfoundry/chargeback/internal/invoice/render"
	"github.com/labfoundry/chargeback/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(
		service.NewService,
		render.NewPDFRenderer,
	),
)
