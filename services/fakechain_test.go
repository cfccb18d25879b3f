package services_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"sync"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

const (
	fakeFee        = 5000
	fakeRentZero   = 890880
	fakeRentToken  = 2039280
	blockhashValid = 150
)

var computeBudgetID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

type tokenState struct {
	mint   solana.PublicKey
	owner  solana.PublicKey
	amount uint64
}

type ledger struct {
	lamports map[solana.PublicKey]uint64
	tokens   map[solana.PublicKey]*tokenState
}

func (l ledger) clone() ledger {
	out := ledger{
		lamports: make(map[solana.PublicKey]uint64, len(l.lamports)),
		tokens:   make(map[solana.PublicKey]*tokenState, len(l.tokens)),
	}
	for k, v := range l.lamports {
		out.lamports[k] = v
	}
	for k, v := range l.tokens {
		cp := *v
		out.tokens[k] = &cp
	}
	return out
}

// fakeChain é um nó Solana em memória. Verifica assinaturas, executa as instruções
// usadas pelo splpay e permite injetar falhas.
type fakeChain struct {
	mu sync.Mutex

	state       ledger
	mints       map[solana.PublicKey]uint8
	blockhashes map[solana.Hash]uint64
	statuses    map[solana.Signature]*rpc.SignatureStatusesResult
	height      uint64
	slot        uint64
	nonce       int

	// Falhas injetadas.
	failSends       []error // devolvidos em ordem, sem executar
	dropSends       int     // aceitos mas nunca incluídos
	landThenErr     int     // incluídos, mas o envio devolve erro de transporte
	failAccountInfo int     // getAccountInfo falha com erro transitório
	failBalance     bool
	heightStep      uint64 // quanto a altura avança a cada getBlockHeight

	sends      int
	transfers  int
	ataCreates int
	lastTx     *solana.Transaction
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		state: ledger{
			lamports: make(map[solana.PublicKey]uint64),
			tokens:   make(map[solana.PublicKey]*tokenState),
		},
		mints:       make(map[solana.PublicKey]uint8),
		blockhashes: make(map[solana.Hash]uint64),
		statuses:    make(map[solana.Signature]*rpc.SignatureStatusesResult),
		height:      1000,
		slot:        5000,
	}
}

func (f *fakeChain) fund(pk solana.PublicKey, lamports uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.lamports[pk] += lamports
}

func (f *fakeChain) addMint(mint solana.PublicKey, decimals uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mints[mint] = decimals
}

// addTokenAccount cria a ATA do dono já com saldo.
func (f *fakeChain) addTokenAccount(owner, mint solana.PublicKey, amount uint64) solana.PublicKey {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.tokens[ata] = &tokenState{mint: mint, owner: owner, amount: amount}
	return ata
}

func (f *fakeChain) tokenBalance(account solana.PublicKey) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.state.tokens[account]; ok {
		return t.amount
	}
	return 0
}

func (f *fakeChain) hasAccount(account solana.PublicKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.state.tokens[account]
	return ok
}

func (f *fakeChain) lamportsOf(pk solana.PublicKey) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.lamports[pk]
}

func (f *fakeChain) counts() (sends, transfers, ataCreates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends, f.transfers, f.ataCreates
}

func transientErr() error {
	return &jsonrpc.RPCError{Code: -32005, Message: "Node is behind by 42 slots"}
}

func preflightErr(msg string) error {
	return &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: " + msg}
}

func (f *fakeChain) GetHealth(context.Context) (string, error) {
	return "ok", nil
}

func (f *fakeChain) GetBalance(_ context.Context, account solana.PublicKey, _ rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBalance {
		return nil, transientErr()
	}
	return &rpc.GetBalanceResult{Value: f.state.lamports[account]}, nil
}

func (f *fakeChain) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce++
	hash := solana.Hash(sha256.Sum256([]byte("blockhash-" + strconv.Itoa(f.nonce))))
	last := f.height + blockhashValid
	f.blockhashes[hash] = last
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: hash, LastValidBlockHeight: last},
	}, nil
}

func (f *fakeChain) GetAccountInfoWithOpts(_ context.Context, account solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAccountInfo > 0 {
		f.failAccountInfo--
		return nil, transientErr()
	}

	var data []byte
	if decimals, ok := f.mints[account]; ok {
		data = encodeMint(decimals)
	} else if t, ok := f.state.tokens[account]; ok {
		data = encodeTokenAccount(t)
	} else {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{
		Value: &rpc.Account{
			Owner:    solana.TokenProgramID,
			Lamports: fakeRentToken,
			Data:     rpc.DataBytesOrJSONFromBytes(data),
		},
	}, nil
}

func (f *fakeChain) GetTokenAccountBalance(_ context.Context, account solana.PublicKey, _ rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.state.tokens[account]
	if !ok {
		return nil, &jsonrpc.RPCError{Code: -32602, Message: "Invalid param: could not find account"}
	}
	return &rpc.GetTokenAccountBalanceResult{
		Value: &rpc.UiTokenAmount{Amount: strconv.FormatUint(t.amount, 10), Decimals: f.mints[t.mint]},
	}, nil
}

func (f *fakeChain) GetMinimumBalanceForRentExemption(_ context.Context, dataSize uint64, _ rpc.CommitmentType) (uint64, error) {
	if dataSize == 0 {
		return fakeRentZero, nil
	}
	return fakeRentToken, nil
}

func (f *fakeChain) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &rpc.GetSignatureStatusesResult{}
	for _, sig := range sigs {
		out.Value = append(out.Value, f.statuses[sig])
	}
	return out, nil
}

func (f *fakeChain) GetBlockHeight(context.Context, rpc.CommitmentType) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height += f.heightStep
	return f.height, nil
}

func (f *fakeChain) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	f.lastTx = tx

	if len(f.failSends) > 0 {
		err := f.failSends[0]
		f.failSends = f.failSends[1:]
		return solana.Signature{}, err
	}
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, &jsonrpc.RPCError{Code: -32003, Message: "Transaction signature verification failure"}
	}
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, &jsonrpc.RPCError{Code: -32003, Message: "Transaction signature verification failure"}
	}
	sig := tx.Signatures[0]

	last, ok := f.blockhashes[tx.Message.RecentBlockhash]
	if !ok || f.height > last {
		return solana.Signature{}, preflightErr("Blockhash not found")
	}
	if _, seen := f.statuses[sig]; seen {
		return solana.Signature{}, preflightErr("This transaction has already been processed")
	}

	next := f.state.clone()
	transfers, creates, err := f.execute(tx, next)
	if err != nil {
		return solana.Signature{}, err
	}

	if f.dropSends > 0 {
		f.dropSends--
		return sig, nil
	}

	f.state = next
	f.transfers += transfers
	f.ataCreates += creates
	f.slot++
	f.height++
	f.statuses[sig] = &rpc.SignatureStatusesResult{
		Slot:               f.slot,
		ConfirmationStatus: rpc.ConfirmationStatusFinalized,
	}

	if f.landThenErr > 0 {
		f.landThenErr--
		return solana.Signature{}, errors.New("read tcp 127.0.0.1:8899: connection reset by peer")
	}
	return sig, nil
}

// execute aplica a transação sobre s. Em caso de erro s deve ser descartado.
func (f *fakeChain) execute(tx *solana.Transaction, s ledger) (transfers, creates int, err error) {
	keys := tx.Message.AccountKeys
	payer := keys[0]
	if s.lamports[payer] < fakeFee {
		return 0, 0, preflightErr("Attempt to debit an account but found no record of a prior credit.")
	}
	s.lamports[payer] -= fakeFee

	for i, ix := range tx.Message.Instructions {
		program := keys[ix.ProgramIDIndex]
		accounts := make([]solana.PublicKey, len(ix.Accounts))
		for j, idx := range ix.Accounts {
			accounts[j] = keys[idx]
		}
		fail := func(msg string) error {
			return preflightErr(fmt.Sprintf("Error processing Instruction %d: %s", i, msg))
		}

		switch {
		case program.Equals(computeBudgetID):
			continue

		case program.Equals(solana.SystemProgramID):
			dec := bin.NewBinDecoder(ix.Data)
			kind, _ := dec.ReadUint32(bin.LE)
			lamports, _ := dec.ReadUint64(bin.LE)
			if kind != 2 || len(accounts) < 2 {
				return 0, 0, fail("invalid instruction data")
			}
			if !tx.Message.IsSigner(accounts[0]) {
				return 0, 0, fail("missing required signature for instruction")
			}
			if s.lamports[accounts[0]] < lamports {
				return 0, 0, fail("custom program error: 0x1")
			}
			s.lamports[accounts[0]] -= lamports
			s.lamports[accounts[1]] += lamports

		case program.Equals(solana.SPLAssociatedTokenAccountProgramID):
			if len(accounts) < 4 {
				return 0, 0, fail("not enough account keys")
			}
			funder, ata, wallet, mint := accounts[0], accounts[1], accounts[2], accounts[3]
			expected, _, _ := solana.FindAssociatedTokenAddress(wallet, mint)
			if !expected.Equals(ata) {
				return 0, 0, fail("Provided seeds do not result in a valid address")
			}
			if _, ok := f.mints[mint]; !ok {
				return 0, 0, fail("invalid account data for instruction")
			}
			idempotent := len(ix.Data) > 0 && ix.Data[0] == 1
			if _, exists := s.tokens[ata]; exists {
				if idempotent {
					continue
				}
				return 0, 0, fail("custom program error: 0x0")
			}
			if s.lamports[funder] < fakeRentToken {
				return 0, 0, fail("insufficient lamports")
			}
			s.lamports[funder] -= fakeRentToken
			s.tokens[ata] = &tokenState{mint: mint, owner: wallet}
			creates++

		case program.Equals(solana.TokenProgramID):
			dec := bin.NewBinDecoder(ix.Data)
			kind, _ := dec.ReadUint8()
			if kind != 12 || len(accounts) < 4 {
				return 0, 0, fail("invalid instruction data")
			}
			amount, _ := dec.ReadUint64(bin.LE)
			decimals, _ := dec.ReadUint8()
			source, mint, dest, owner := accounts[0], accounts[1], accounts[2], accounts[3]

			src, ok := s.tokens[source]
			if !ok {
				return 0, 0, fail("invalid account data for instruction")
			}
			dst, ok := s.tokens[dest]
			if !ok {
				return 0, 0, fail("invalid account data for instruction")
			}
			if !src.mint.Equals(mint) || !dst.mint.Equals(mint) {
				return 0, 0, fail("custom program error: 0x3") // MintMismatch
			}
			if f.mints[mint] != decimals {
				return 0, 0, fail("custom program error: 0x12") // MintDecimalsMismatch
			}
			if !src.owner.Equals(owner) {
				return 0, 0, fail("custom program error: 0x4") // OwnerMismatch
			}
			if !tx.Message.IsSigner(owner) {
				return 0, 0, fail("missing required signature for instruction")
			}
			if src.amount < amount {
				return 0, 0, fail("custom program error: 0x1")
			}
			src.amount -= amount
			dst.amount += amount
			transfers++

		default:
			return 0, 0, fail("Unsupported program id")
		}
	}
	return transfers, creates, nil
}

func encodeMint(decimals uint8) []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint32(0, bin.LE) // sem mint authority
	_ = enc.WriteBytes(make([]byte, 32), false)
	_ = enc.WriteUint64(1_000_000_000_000, bin.LE)
	_ = enc.WriteUint8(decimals)
	_ = enc.WriteBool(true)
	_ = enc.WriteUint32(0, bin.LE) // sem freeze authority
	_ = enc.WriteBytes(make([]byte, 32), false)
	return buf.Bytes()
}

func encodeTokenAccount(t *tokenState) []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteBytes(t.mint[:], false)
	_ = enc.WriteBytes(t.owner[:], false)
	_ = enc.WriteUint64(t.amount, bin.LE)
	_ = enc.WriteUint32(0, bin.LE) // delegate
	_ = enc.WriteBytes(make([]byte, 32), false)
	_ = enc.WriteUint8(1) // initialized
	_ = enc.WriteUint32(0, bin.LE) // is_native
	_ = enc.WriteUint64(0, bin.LE)
	_ = enc.WriteUint64(0, bin.LE) // delegated amount
	_ = enc.WriteUint32(0, bin.LE) // close authority
	_ = enc.WriteBytes(make([]byte, 32), false)
	return buf.Bytes()
}
