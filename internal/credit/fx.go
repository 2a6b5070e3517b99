package credit

import (
	"github.com/smallbiznis/creditledger/internal/credit/repository"
	"github.com/smallbiznis/creditledger/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit",
	fx.Provide(repository.New),
	fx.Provide(service.NewService),
)
