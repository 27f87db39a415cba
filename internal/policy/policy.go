package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/dexroute/internal/errors"
)

// Policy restricts which command paths may run.
type Policy struct {
	// Allow lists permitted command paths. Empty allows everything.
	Allow []string
	// ReadOnly blocks every command that submits transactions.
	ReadOnly bool
}

var transactionCommands = map[string]struct{}{
	"swap":          {},
	"add-liquidity": {},
	"create-pool":   {},
}

func (p Policy) Check(commandPath string) error {
	normPath := normalize(commandPath)
	if p.ReadOnly && SubmitsTransactions(normPath) {
		return clierr.New(clierr.CodeBlocked, "command submits transactions and read-only mode is enabled")
	}
	if len(p.Allow) == 0 {
		return nil
	}
	for _, allowed := range p.Allow {
		if normalize(allowed) == normPath {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// SubmitsTransactions reports whether the command needs a signer.
func SubmitsTransactions(commandPath string) bool {
	_, ok := transactionCommands[normalize(commandPath)]
	return ok
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
