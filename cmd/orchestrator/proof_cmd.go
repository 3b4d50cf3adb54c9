package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
	"github.com/xela07ax/veritas-orchestrator/internal/infra"
	"github.com/xela07ax/veritas-orchestrator/internal/notify"
	"github.com/xela07ax/veritas-orchestrator/internal/policy"
	"github.com/xela07ax/veritas-orchestrator/internal/proof"
)

func newProofCmd(configPath *string) *cobra.Command {
	proofCmd := &cobra.Command{
		Use:   "proof",
		Short: "Proof tools",
	}

	var integrityPath, publicKeyPath string
	verifyCmd := &cobra.Command{
		Use:   "verify <proof.json>",
		Short: "Check a proof file against its session sha256.json",
		Long: `Пересчитывает SHA-256 файла пруфа и сверяет с proof_sha256 из sha256.json сессии.
С --public-key дополнительно проверяет RS256-подпись и её claims.

Example:
  orchestrator proof verify proofs/PROOF-0123456789ABCDEF.json \
    --integrity sessions/SES-0123456789ABCDEF/raw/sha256.json \
    --public-key keys/proof.pub.pem`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProofVerify(cmd, args[0], integrityPath, publicKeyPath)
		},
	}
	verifyCmd.Flags().StringVarP(&integrityPath, "integrity", "i", "", "Path to the session sha256.json")
	verifyCmd.Flags().StringVarP(&publicKeyPath, "public-key", "k", "", "PEM public key to check the signature")
	_ = verifyCmd.MarkFlagRequired("integrity")

	var policyID string
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream completed proofs from Redis",
		Long: `Подписывается на канал пруфов в Redis и печатает по строке на каждый
записанный пруф. С --policy слушает только канал одной политики.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProofWatch(cmd, *configPath, policyID)
		},
	}
	watchCmd.Flags().StringVarP(&policyID, "policy", "p", "", "Only proofs of this policy")

	proofCmd.AddCommand(verifyCmd, watchCmd)
	return proofCmd
}

func runProofVerify(cmd *cobra.Command, proofPath, integrityPath, publicKeyPath string) error {
	rec, err := proof.LoadIntegrity(integrityPath)
	if err != nil {
		return err
	}

	// Без ключа проверяется только дайджест
	var pub *rsa.PublicKey
	if publicKeyPath != "" {
		data, err := os.ReadFile(publicKeyPath)
		if err != nil {
			return fmt.Errorf("failed to read public key: %w", err)
		}
		if pub, err = proof.ParseRSAPublicKey(data); err != nil {
			return err
		}
	}

	doc, err := proof.Audit(proofPath, rec, pub)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s OK session=%s status=%s signed=%t\n",
		doc.ProofID, doc.SessionID, doc.Results.Status, pub != nil)
	return nil
}

func runProofWatch(cmd *cobra.Command, configPath, policyID string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is not configured")
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()

	channel := infra.RedisChanProofs
	if policyID != "" {
		if _, err := (policy.StaticResolver{}).Resolve(domain.PolicyID(policyID)); err != nil {
			return err
		}
		channel = infra.GetPolicyChannel(policyID)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	notify.Watch(ctx, rdb, logger, channel, func(pm notify.ProofMessage) {
		fmt.Fprintf(out, "%s %s policy=%s status=%s decision=%s error=%s flags=%v\n",
			pm.TimeUTC, pm.ProofID, pm.PolicyID, pm.Status, pm.FinalDecision, pm.ErrorCode, pm.FlagsSummary)
	})
	return nil
}
