package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/rpcclient/v8"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/txscript/v4/stdaddr"
	"github.com/decred/dcrd/wire"
	"github.com/decred/slog"
)

// DcrConfig carries the dcrd RPC connection parameters.
type DcrConfig struct {
	HostPort string
	User     string
	Pass     string
	CertPath string
}

// DcrLedger settles transfers on a Decred node. Addresses here are hex
// compressed secp256k1 pubkeys; deposits pay the matching pay-to-pubkey-alt
// (schnorr) script and balances come from a UTXO watcher over those scripts.
type DcrLedger struct {
	dcrd    *rpcclient.Client
	watcher *utxoWatcher
	log     slog.Logger
}

func NewDcrLedger(cfg DcrConfig, log slog.Logger) (*DcrLedger, error) {
	certs, err := os.ReadFile(cfg.CertPath)
	if err != nil {
		return nil, fmt.Errorf("read dcrd cert %s: %w", cfg.CertPath, err)
	}
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.HostPort,
		User:         cfg.User,
		Pass:         cfg.Pass,
		Endpoint:     "ws",
		Certificates: certs,
	}
	c, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("create dcrd rpc client (host=%s user=%s): %w",
			cfg.HostPort, cfg.User, err)
	}
	l := &DcrLedger{
		dcrd:    c,
		watcher: newUTXOWatcher(log, c),
		log:     log,
	}
	return l, nil
}

// Run drives the UTXO watcher until ctx is canceled.
func (l *DcrLedger) Run(ctx context.Context) {
	l.watcher.Run(ctx)
}

func (l *DcrLedger) Shutdown() {
	l.watcher.Stop()
	l.dcrd.Shutdown()
}

// PkScriptForAddress maps a ledger address to the on-chain script it funds.
// Hex pubkeys become pay-to-pubkey-alt (schnorr); anything else must decode
// as a standard address on a known network.
func PkScriptForAddress(address string) ([]byte, error) {
	addr := strings.TrimSpace(address)
	if b, err := hex.DecodeString(addr); err == nil && len(b) == 33 {
		return payToPubKeySchnorrScript(b)
	}

	paramsList := []*chaincfg.Params{
		chaincfg.TestNet3Params(),
		chaincfg.MainNetParams(),
		chaincfg.SimNetParams(),
		chaincfg.RegNetParams(),
	}
	var lastErr error
	for _, p := range paramsList {
		a, err := stdaddr.DecodeAddress(addr, p)
		if err != nil {
			lastErr = err
			continue
		}
		_, pk := a.PaymentScript()
		return pk, nil
	}
	return nil, fmt.Errorf("bad address %q: %v", address, lastErr)
}

// payToPubKeySchnorrScript builds <pubkey> <2> OP_CHECKSIGALT for a 33-byte
// compressed pubkey. Sigtype 2 selects schnorr-secp256k1.
func payToPubKeySchnorrScript(comp33 []byte) ([]byte, error) {
	if len(comp33) != 33 {
		return nil, fmt.Errorf("need 33-byte compressed pubkey")
	}
	return txscript.NewScriptBuilder().
		AddData(comp33).
		AddInt64(2).
		AddOp(txscript.OP_CHECKSIGALT).
		Script()
}

// LatestOrdering pins submissions to the best block hash observed now.
func (l *DcrLedger) LatestOrdering(ctx context.Context) (string, error) {
	hash, _, err := l.dcrd.GetBestBlock(ctx)
	if err != nil {
		return "", fmt.Errorf("get best block: %w", err)
	}
	return hash.String(), nil
}

// SubmitTransfer broadcasts the pre-built raw transaction carried by the
// signed transfer. The schnorr signature over the digest authenticates the
// request; the transaction itself moves the value.
func (l *DcrLedger) SubmitTransfer(ctx context.Context, st *SignedTransfer) (Handle, error) {
	if err := st.Verify(); err != nil {
		return "", err
	}
	if st.RawTxHex == "" {
		return "", fmt.Errorf("transfer has no raw transaction to broadcast")
	}
	raw, err := hex.DecodeString(st.RawTxHex)
	if err != nil {
		return "", fmt.Errorf("bad raw tx hex: %w", err)
	}
	tx := wire.NewMsgTx()
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("deserialize raw tx: %w", err)
	}
	h, err := l.dcrd.SendRawTransaction(ctx, tx, false)
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	l.log.Infof("broadcast transfer tx %s (%d atoms to %s)", h, st.Amount, st.To)
	return Handle(h.String()), nil
}

// ConfirmTransfer polls the node until the transaction reaches one
// confirmation or ctx expires.
func (l *DcrLedger) ConfirmTransfer(ctx context.Context, h Handle, orderingToken string) error {
	var txh chainhash.Hash
	if err := chainhash.Decode(&txh, string(h)); err != nil {
		return fmt.Errorf("bad tx handle %q: %w", h, err)
	}
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		v, err := l.dcrd.GetRawTransactionVerbose(ctx, &txh)
		if err == nil && v != nil && v.Confirmations >= 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("confirm %s: %w", h, ctx.Err())
		case <-t.C:
		}
	}
}

func (l *DcrLedger) Balance(ctx context.Context, address string) (int64, error) {
	pk, err := PkScriptForAddress(address)
	if err != nil {
		return 0, err
	}
	return l.watcher.balance(ctx, hex.EncodeToString(pk))
}

// SubscribeDeposits streams balance updates for an address's funding script.
func (l *DcrLedger) SubscribeDeposits(address string) (<-chan BalanceUpdate, func(), error) {
	pk, err := PkScriptForAddress(address)
	if err != nil {
		return nil, nil, err
	}
	ch, unsub := l.watcher.Subscribe(hex.EncodeToString(pk))
	return ch, unsub, nil
}

// BuildTransferTx builds the raw transaction a transfer must carry to be
// broadcast here. The signer must hold local key material so the swept
// inputs can be signed.
func (l *DcrLedger) BuildTransferTx(ctx context.Context, signer Signer, destAddr string, amount int64) (string, error) {
	ks, ok := signer.(*KeySigner)
	if !ok {
		return "", fmt.Errorf("dcr transfers need a local key signer, got %T", signer)
	}
	return l.BuildEscrowSpendTx(ctx, ks, destAddr, amount)
}

// BuildEscrowSpendTx constructs and locally VM-verifies a transaction that
// sweeps the escrow pubkey's UTXOs to a destination, paying payoutAtoms and
// leaving the remainder as fee. The escrow key signs each input.
func (l *DcrLedger) BuildEscrowSpendTx(ctx context.Context, escrow *KeySigner, destAddr string, payoutAtoms int64) (string, error) {
	escrowPk, err := PkScriptForAddress(escrow.Address())
	if err != nil {
		return "", err
	}
	if _, err := l.watcher.balance(ctx, hex.EncodeToString(escrowPk)); err != nil {
		return "", err
	}
	utxos := l.watcher.utxosFor(hex.EncodeToString(escrowPk))
	if len(utxos) == 0 {
		return "", fmt.Errorf("no spendable escrow outputs for %s", escrow.Address())
	}
	var inTotal int64
	for _, u := range utxos {
		inTotal += u.Value
	}
	if payoutAtoms <= 0 || payoutAtoms > inTotal {
		return "", fmt.Errorf("payout %d exceeds escrow balance %d", payoutAtoms, inTotal)
	}

	destPk, err := PkScriptForAddress(destAddr)
	if err != nil {
		return "", err
	}

	tx := wire.NewMsgTx()
	tx.Version = 1
	for _, u := range utxos {
		var h chainhash.Hash
		if err := chainhash.Decode(&h, u.Txid); err != nil {
			return "", fmt.Errorf("bad utxo txid %s: %w", u.Txid, err)
		}
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{Hash: h, Index: u.Vout},
			ValueIn:          u.Value,
		})
	}
	tx.AddTxOut(&wire.TxOut{Value: payoutAtoms, PkScript: destPk})

	// Sign each input against the escrow script, then verify locally before
	// anything leaves this process.
	for i := range tx.TxIn {
		sig, err := signInputSchnorr(escrow, tx, i, escrowPk)
		if err != nil {
			return "", err
		}
		sigScript, err := txscript.NewScriptBuilder().AddData(sig).Script()
		if err != nil {
			return "", fmt.Errorf("build scriptSig: %w", err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}
	for i := range tx.TxIn {
		vm, err := txscript.NewEngine(escrowPk, tx, i, 0, 0, nil)
		if err != nil {
			return "", fmt.Errorf("engine init: %w", err)
		}
		if err := vm.Execute(); err != nil {
			return "", fmt.Errorf("local VM verify failed: %w", err)
		}
	}

	var out bytes.Buffer
	if err := tx.Serialize(&out); err != nil {
		return "", fmt.Errorf("serialize tx: %w", err)
	}
	return hex.EncodeToString(out.Bytes()), nil
}

// signInputSchnorr computes the sighash for one input and signs it with the
// escrow key. Returns sig64 || SigHashAll.
func signInputSchnorr(signer *KeySigner, tx *wire.MsgTx, idx int, subscript []byte) ([]byte, error) {
	m, err := txscript.CalcSignatureHash(subscript, txscript.SigHashAll, tx, idx, nil)
	if err != nil || len(m) != 32 {
		return nil, fmt.Errorf("sighash failed: %v", err)
	}
	sig64, err := signSchnorrV0(signer.priv, m)
	if err != nil {
		return nil, err
	}
	return append(sig64, byte(txscript.SigHashAll)), nil
}
