package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestBuildSchema(t *testing.T) {
	root := &cobra.Command{Use: "dexroute"}
	swap := &cobra.Command{
		Use:         "swap",
		Short:       "swap tokens",
		Annotations: map[string]string{AnnotationSubmits: "true"},
	}
	swap.Flags().String("dex", "", "venue")
	swap.Flags().String("amount", "", "amount in")
	_ = swap.MarkFlagRequired("amount")
	root.AddCommand(swap, &cobra.Command{Use: "analyze", Short: "rank routes"})

	s, err := Build(root, "swap")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "dexroute swap" || !s.SubmitsTransactions {
		t.Fatalf("unexpected schema: %+v", s)
	}
	if len(s.Flags) != 2 || s.Flags[0].Name != "amount" || !s.Flags[0].Required {
		t.Fatalf("expected required flag first: %+v", s.Flags)
	}
}

func TestBuildSchemaUnknownCommand(t *testing.T) {
	root := &cobra.Command{Use: "dexroute"}
	if _, err := Build(root, "bridge quote"); err == nil {
		t.Fatal("expected unknown command error")
	}
}

func TestBuildSchemaRoot(t *testing.T) {
	root := &cobra.Command{Use: "dexroute"}
	root.AddCommand(&cobra.Command{Use: "analyze", Short: "rank routes", Run: func(*cobra.Command, []string) {}})
	s, err := Build(root, "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(s.Subcommands) != 1 || s.Subcommands[0].SubmitsTransactions {
		t.Fatalf("unexpected subcommands: %+v", s.Subcommands)
	}
}
