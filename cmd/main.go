// engaged: engagement verification and reward settlement service.
//
// Verifies that a worker performed a paid social action (like, retweet,
// comment) by comparing engagement counts before and after, records the
// completion on the job contract and in the off-chain ledger, and settles
// withdrawals once the earned balance reaches the threshold.
//
// Serves REST (gin) and gRPC, publishes EVENT_COMPLETION_RECORDED and
// EVENT_WITHDRAWAL_CONFIRMED to Redis, and reconciles the ledger against
// the contract on a cron schedule.
package main

import (
	"os"

	"tapcash/engagement-service/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
