package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ferreirogomes/splpay/config"
	"github.com/ferreirogomes/splpay/handlers"
	"github.com/ferreirogomes/splpay/logger"
	"github.com/ferreirogomes/splpay/services"
	"github.com/ferreirogomes/splpay/storage"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// usageError marca erros de linha de comando, que saem com código 2.
type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageError{fmt.Errorf("argumento inesperado %q para %s", args[0], cmd.CommandPath())}
	}
	return nil
}

// app guarda o que os comandos compartilham depois de carregar a configuração.
type app struct {
	configPath string
	cfg        *config.Config
	log        *zap.Logger
	journal    storage.Journal
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var uerr usageError
	if errors.As(err, &uerr) {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, root.UsageString())
		return 2
	}
	if a.log != nil {
		a.log.Error("comando falhou", zap.Error(err))
	} else {
		fmt.Fprintln(os.Stderr, err)
	}
	return 1
}

func newRootCmd(a *app) *cobra.Command {
	transferCmd := &cobra.Command{
		Use:   "transfer",
		Short: "Executa a transferência configurada (comando padrão)",
		Args:  noArgs,
		RunE:  a.transfer,
	}
	root := &cobra.Command{
		Use:               "splpay",
		Short:             "Transfere tokens SPL entre duas carteiras Solana",
		Args:              noArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		RunE:              a.transfer,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "arquivo YAML de configuração (vazio usa só variáveis de ambiente)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	root.AddCommand(
		transferCmd,
		&cobra.Command{
			Use:   "history",
			Short: "Lista as tentativas registradas no journal",
			Args:  noArgs,
			RunE:  a.history,
		},
		&cobra.Command{
			Use:   "serve",
			Short: "Expõe o journal por HTTP em modo somente leitura",
			Args:  noArgs,
			RunE:  a.serve,
		},
	)
	return root
}

// setup carrega configuração, logger e journal antes de qualquer comando.
func (a *app) setup(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log

	journal, err := storage.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return fmt.Errorf("falha ao abrir journal %s: %w", cfg.Journal.Driver, err)
	}
	a.journal = journal
	return nil
}

func (a *app) close() {
	if a.journal != nil {
		a.journal.Close()
	}
	if a.log != nil {
		a.log.Sync()
	}
}

func (a *app) transfer(cmd *cobra.Command, _ []string) error {
	ctx, cfg, journal, log := cmd.Context(), a.cfg, a.journal, a.log
	if err := cfg.Validate(); err != nil {
		return err
	}
	mint, err := cfg.MintAddress()
	if err != nil {
		return err
	}

	chain, err := services.Connect(ctx, services.ClientConfig{
		Endpoint:         cfg.Solana.RPCEndpoint,
		WSEndpoint:       cfg.Solana.WSEndpoint,
		Commitment:       rpc.CommitmentType(cfg.Solana.Commitment),
		RequestTimeout:   cfg.Solana.RequestTimeout,
		ConfirmTimeout:   cfg.Solana.ConfirmTimeout,
		PollInterval:     cfg.Solana.PollInterval,
		ComputeUnitPrice: cfg.Transfer.ComputeUnitPrice,
		ComputeUnitLimit: cfg.Transfer.ComputeUnitLimit,
		ExplorerURL:      cfg.Solana.ExplorerURL,
	}, log)
	if err != nil {
		return err
	}
	defer chain.Close()

	payments := services.NewPaymentService(chain, journal, services.PaymentConfig{
		Payer:       cfg.Wallets.Payer,
		Payee:       cfg.Wallets.Payee,
		Mint:        mint,
		Decimals:    cfg.Token.Decimals,
		Amount:      cfg.Transfer.Amount,
		AmountUI:    cfg.Transfer.AmountUI,
		NativeFee:   cfg.Transfer.NativeFee,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Backoff:     cfg.Retry.Backoff,
	}, log)

	receipt, err := payments.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Transferência confirmada: %s%s\n", cfg.Solana.ExplorerURL, receipt.Signature)
	return nil
}

func (a *app) history(cmd *cobra.Command, _ []string) error {
	attempts, err := a.journal.ListAttempts(cmd.Context(), storage.DefaultListLimit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CRIADA\tEXECUÇÃO\tTENTATIVA\tSTATUS\tVALOR\tASSINATURA")
	for _, at := range attempts {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n",
			at.CreatedAt.Local().Format(time.DateTime), at.RunID, at.Attempt, at.Status, at.Amount, at.Signature)
	}
	return w.Flush()
}

func (a *app) serve(cmd *cobra.Command, _ []string) error {
	ctx, cfg, log := cmd.Context(), a.cfg, a.log
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handlers.NewTransferHandler(a.journal, log).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("servidor do journal iniciado", zap.String("addr", cfg.HTTP.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
