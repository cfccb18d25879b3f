package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/shopspring/decimal"
)

type (
	Config struct {
		Solana   `yaml:"solana" env-prefix:"SOLANA_"`
		Token    `yaml:"token" env-prefix:"TOKEN_"`
		Wallets  `yaml:"wallets" env-prefix:"WALLET_"`
		Transfer `yaml:"transfer" env-prefix:"TRANSFER_"`
		Retry    `yaml:"retry" env-prefix:"RETRY_"`
		Journal  `yaml:"journal" env-prefix:"JOURNAL_"`
		HTTP     `yaml:"http" env-prefix:"HTTP_"`
		Log      `yaml:"log" env-prefix:"LOG_"`
	}

	Solana struct {
		RPCEndpoint    string        `yaml:"rpc_endpoint" env:"RPC_ENDPOINT" env-default:"https://api.mainnet-beta.solana.com"`
		WSEndpoint     string        `yaml:"ws_endpoint" env:"WS_ENDPOINT"`
		Commitment     string        `yaml:"commitment" env:"COMMITMENT" env-default:"finalized"`
		RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" env-default:"30s"`
		ConfirmTimeout time.Duration `yaml:"confirm_timeout" env:"CONFIRM_TIMEOUT" env-default:"90s"`
		PollInterval   time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" env-default:"2s"`
		ExplorerURL    string        `yaml:"explorer_url" env:"EXPLORER_URL" env-default:"https://solscan.io/tx/"`
	}

	Token struct {
		Mint string `yaml:"mint" env:"MINT"`
		// Decimals é opcional: quando > 0 precisa bater com o valor declarado no mint.
		Decimals uint8 `yaml:"decimals" env:"DECIMALS"`
	}

	Wallets struct {
		Payer string `yaml:"payer" env:"PAYER" env-default:"./pks/payer.json"`
		Payee string `yaml:"payee" env:"PAYEE" env-default:"./pks/receiver.json"`
	}

	Transfer struct {
		Amount           uint64 `yaml:"amount" env:"AMOUNT"`
		AmountUI         string `yaml:"amount_ui" env:"AMOUNT_UI"`
		ComputeUnitPrice uint64 `yaml:"compute_unit_price" env:"COMPUTE_UNIT_PRICE" env-default:"100000"`
		ComputeUnitLimit uint32 `yaml:"compute_unit_limit" env:"COMPUTE_UNIT_LIMIT" env-default:"20000"`
		NativeFee        bool   `yaml:"native_fee" env:"NATIVE_FEE" env-default:"false"`
	}

	Retry struct {
		MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS" env-default:"2"`
		Backoff     time.Duration `yaml:"backoff" env:"BACKOFF" env-default:"1s"`
	}

	Journal struct {
		Driver string `yaml:"driver" env:"DRIVER" env-default:"memory"`
		// DSN é o caminho do arquivo para bolt ou a connection string para postgres.
		DSN string `yaml:"dsn" env:"DSN"`
	}

	HTTP struct {
		Addr string `yaml:"addr" env:"ADDR" env-default:":8080"`
	}

	Log struct {
		Level  string `yaml:"level" env:"LEVEL" env-default:"info"`
		Format string `yaml:"format" env:"FORMAT" env-default:"console"`
	}
)

// Load lê a configuração de um arquivo YAML com sobrescrita por variáveis de ambiente.
// Com path vazio, apenas o ambiente e os valores padrão são usados. Os campos da
// transferência só são checados por Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	var err error
	if path == "" {
		err = cleanenv.ReadEnv(cfg)
	} else {
		err = cleanenv.ReadConfig(path, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	if err := cfg.validateCommon(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateCommon cobre o que todos os comandos usam.
func (c *Config) validateCommon() error {
	if c.Solana.RPCEndpoint == "" {
		return errors.New("config: solana.rpc_endpoint é obrigatório")
	}
	switch rpc.CommitmentType(c.Solana.Commitment) {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
	default:
		return fmt.Errorf("config: commitment inválido %q", c.Solana.Commitment)
	}
	switch c.Journal.Driver {
	case "memory":
	case "bolt", "postgres":
		if c.Journal.DSN == "" {
			return fmt.Errorf("config: journal.dsn é obrigatório para o driver %s", c.Journal.Driver)
		}
	default:
		return fmt.Errorf("config: driver de journal desconhecido %q", c.Journal.Driver)
	}
	return nil
}

// Validate rejeita configurações que impediriam a transferência.
func (c *Config) Validate() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if _, err := c.MintAddress(); err != nil {
		return err
	}
	if c.Wallets.Payer == "" || c.Wallets.Payee == "" {
		return errors.New("config: wallets.payer e wallets.payee são obrigatórios")
	}
	if c.Transfer.Amount == 0 && c.Transfer.AmountUI == "" {
		return errors.New("config: transfer.amount ou transfer.amount_ui deve ser informado")
	}
	if c.Transfer.Amount != 0 && c.Transfer.AmountUI != "" {
		return errors.New("config: use apenas um entre transfer.amount e transfer.amount_ui")
	}
	if c.Transfer.AmountUI != "" {
		d, err := decimal.NewFromString(c.Transfer.AmountUI)
		if err != nil {
			return fmt.Errorf("config: transfer.amount_ui inválido: %w", err)
		}
		if !d.IsPositive() {
			return errors.New("config: transfer.amount_ui deve ser positivo")
		}
	}
	if c.Transfer.ComputeUnitLimit == 0 {
		return errors.New("config: transfer.compute_unit_limit deve ser maior que zero")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("config: retry.max_attempts deve ser pelo menos 1")
	}
	return nil
}

// MintAddress retorna o mint configurado já validado.
func (c *Config) MintAddress() (solana.PublicKey, error) {
	if c.Token.Mint == "" {
		return solana.PublicKey{}, errors.New("config: token.mint é obrigatório")
	}
	mint, err := solana.PublicKeyFromBase58(c.Token.Mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("config: token.mint inválido: %w", err)
	}
	return mint, nil
}
