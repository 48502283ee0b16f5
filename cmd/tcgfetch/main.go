package main

import (
	"log/slog"

	"cardwatch-backend/cmd/tcgfetch/commands"
	"cardwatch-backend/lib/serviceutil"
	"cardwatch-backend/lib/telemetry"
)

func main() {
	ctx := serviceutil.SignalContext()

	err := telemetry.SetupFromEnv(ctx, "tcgfetch")
	if err != nil {
		slog.Warn("telemetry disabled", "err", err)
	}
	telemetry.InitSlog(false)

	commands.ExecuteContext(ctx)
}
