package reconcile

import "salewatch/pkg/logx"

func nopLogger() logx.Logger { return logx.Nop() }
