package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/rpcclient/v8"
	"github.com/decred/slog"
)

// escrowUTXO is one unspent output paying a tracked script.
type escrowUTXO struct {
	Txid  string
	Vout  uint32
	Value int64 // atoms
}

// BalanceUpdate is pushed to subscribers every poll tick for a tracked
// script.
type BalanceUpdate struct {
	PkScriptHex string
	Balance     int64
	UTXOCount   int
	Confs       uint32
	At          time.Time
}

// utxoWatcher scans blocks and the mempool for outputs paying tracked
// pkScripts and retains the unspent set per script. It is a minimal pusher:
// no per-script state beyond the known UTXO cache.
type utxoWatcher struct {
	log  slog.Logger
	dcrd *rpcclient.Client

	mu      sync.RWMutex
	tip     int64
	pkBytes map[string][]byte
	known   map[string]map[string]escrowUTXO // pkScriptHex -> "txid:vout" -> utxo
	subs    map[string]map[chan BalanceUpdate]struct{}

	// pollMu serializes pollOnce between the Run ticker and the synchronous
	// scans issued by balance; lastScanned is only touched with it held.
	pollMu      sync.Mutex
	lastScanned int64

	quit chan struct{}
}

func newUTXOWatcher(log slog.Logger, c *rpcclient.Client) *utxoWatcher {
	return &utxoWatcher{
		log:         log,
		dcrd:        c,
		lastScanned: -1,
		pkBytes:     make(map[string][]byte),
		known:       make(map[string]map[string]escrowUTXO),
		subs:        make(map[string]map[chan BalanceUpdate]struct{}),
		quit:        make(chan struct{}),
	}
}

func (w *utxoWatcher) Stop() { close(w.quit) }

func (w *utxoWatcher) Run(ctx context.Context) {
	w.log.Infof("watcher: started")
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	defer w.log.Infof("watcher: stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-t.C:
			w.pollOnce(ctx)
		}
	}
}

// track registers a pkScript for scanning.
func (w *utxoWatcher) track(pkScriptHex string) {
	k := strings.ToLower(pkScriptHex)
	b, err := hex.DecodeString(k)
	if err != nil {
		w.log.Warnf("watcher: bad pkScript hex %q: %v", pkScriptHex, err)
		return
	}
	w.mu.Lock()
	w.pkBytes[k] = b
	w.mu.Unlock()
}

// Subscribe adds a listener for a pkScript and returns the channel plus an
// unsubscribe func. No initial snapshot; first data arrives on the next tick.
func (w *utxoWatcher) Subscribe(pkScriptHex string) (<-chan BalanceUpdate, func()) {
	w.track(pkScriptHex)
	k := strings.ToLower(pkScriptHex)

	ch := make(chan BalanceUpdate, 8)
	w.mu.Lock()
	if _, ok := w.subs[k]; !ok {
		w.subs[k] = make(map[chan BalanceUpdate]struct{})
	}
	w.subs[k][ch] = struct{}{}
	w.mu.Unlock()

	unsub := func() {
		w.mu.Lock()
		if set, ok := w.subs[k]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(w.subs, k)
			}
		}
		w.mu.Unlock()
		// Do not close(ch): the producer may still send; the receiver
		// stops via context.
	}
	return ch, unsub
}

// balance sums the known unspent outputs for a script, scanning synchronously
// first so a fresh script reports immediately.
func (w *utxoWatcher) balance(ctx context.Context, pkScriptHex string) (int64, error) {
	w.track(pkScriptHex)
	w.pollOnce(ctx)

	k := strings.ToLower(pkScriptHex)
	w.mu.RLock()
	defer w.mu.RUnlock()
	var total int64
	for _, u := range w.known[k] {
		total += u.Value
	}
	return total, nil
}

func (w *utxoWatcher) pollOnce(ctx context.Context) {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()

	if _, h, err := w.dcrd.GetBestBlock(ctx); err == nil {
		w.mu.Lock()
		w.tip = h
		w.mu.Unlock()
	} else {
		w.log.Debugf("watcher: GetBestBlock failed: %v", err)
	}

	w.mu.RLock()
	keys := make([]string, 0, len(w.pkBytes))
	for k := range w.pkBytes {
		keys = append(keys, k)
	}
	pkbByKey := make(map[string][]byte, len(keys))
	knownSize := make(map[string]int, len(keys))
	for _, k := range keys {
		pkbByKey[k] = w.pkBytes[k]
		knownSize[k] = len(w.known[k])
	}
	tip := w.tip
	w.mu.RUnlock()

	if len(keys) == 0 {
		return
	}

	discovered := make(map[string][]escrowUTXO, len(keys))

	// New blocks: scan once per tick across every tracked script.
	if tip >= 0 && (w.lastScanned == -1 || tip != w.lastScanned) {
		start := w.lastScanned + 1
		if w.lastScanned == -1 || start < 0 || start > tip {
			start = tip // first run or reorg: current tip only
		}
		for bh := start; bh <= tip; bh++ {
			hash, err := w.dcrd.GetBlockHash(ctx, bh)
			if err != nil {
				continue
			}
			msg, err := w.dcrd.GetBlock(ctx, hash)
			if err != nil || msg == nil {
				continue
			}
			for _, mtx := range msg.Transactions {
				for voutIdx, o := range mtx.TxOut {
					for _, k := range keys {
						if bytes.Equal(o.PkScript, pkbByKey[k]) {
							discovered[k] = append(discovered[k], escrowUTXO{
								Txid:  mtx.TxHash().String(),
								Vout:  uint32(voutIdx),
								Value: o.Value,
							})
						}
					}
				}
			}
		}
		w.lastScanned = tip
	}

	// Mempool scan for scripts with nothing yet (0-conf funding feedback).
	needMempool := false
	for _, k := range keys {
		if len(discovered[k]) == 0 && knownSize[k] == 0 {
			needMempool = true
			break
		}
	}
	if needMempool {
		if txids, err := w.dcrd.GetRawMempool(ctx, "all"); err == nil {
			for _, th := range txids {
				v, err := w.dcrd.GetRawTransactionVerbose(ctx, th)
				if err != nil || v == nil {
					continue
				}
				for voutIdx, vout := range v.Vout {
					spk, err := hex.DecodeString(vout.ScriptPubKey.Hex)
					if err != nil {
						continue
					}
					for _, k := range keys {
						if bytes.Equal(spk, pkbByKey[k]) {
							discovered[k] = append(discovered[k], escrowUTXO{
								Txid:  v.Txid,
								Vout:  uint32(voutIdx),
								Value: int64(vout.Value * 1e8),
							})
						}
					}
				}
			}
		}
	}

	for _, k := range keys {
		if list := discovered[k]; len(list) > 0 {
			w.mu.Lock()
			km := w.known[k]
			if km == nil {
				km = make(map[string]escrowUTXO)
				w.known[k] = km
			}
			for _, u := range list {
				km[fmt.Sprintf("%s:%d", u.Txid, u.Vout)] = u
			}
			w.mu.Unlock()
		}

		// Re-check every known output; drop any that got spent.
		w.mu.RLock()
		ids := make([]string, 0, len(w.known[k]))
		utxos := make([]escrowUTXO, 0, len(w.known[k]))
		for id, u := range w.known[k] {
			ids = append(ids, id)
			utxos = append(utxos, u)
		}
		w.mu.RUnlock()

		var total int64
		count := 0
		minConfs := int64(-1)
		for i, id := range ids {
			u := utxos[i]
			var h chainhash.Hash
			if err := chainhash.Decode(&h, u.Txid); err != nil {
				continue
			}
			res, err := w.dcrd.GetTxOut(ctx, &h, u.Vout, 0, true)
			if err != nil || res == nil {
				w.mu.Lock()
				if set := w.known[k]; set != nil {
					delete(set, id)
					if len(set) == 0 {
						delete(w.known, k)
					}
				}
				w.mu.Unlock()
				continue
			}
			total += u.Value
			count++
			if minConfs == -1 || res.Confirmations < minConfs {
				minConfs = res.Confirmations
			}
		}

		var confs uint32
		if count > 0 && minConfs > 0 {
			confs = uint32(minConfs)
		}
		w.broadcast(k, BalanceUpdate{
			PkScriptHex: k,
			Balance:     total,
			UTXOCount:   count,
			Confs:       confs,
			At:          time.Now(),
		})
	}
}

func (w *utxoWatcher) broadcast(k string, u BalanceUpdate) {
	w.mu.RLock()
	chs := make([]chan BalanceUpdate, 0, len(w.subs[k]))
	for ch := range w.subs[k] {
		chs = append(chs, ch)
	}
	w.mu.RUnlock()

	for _, ch := range chs {
		select {
		case ch <- u:
		default:
			// Drop if the receiver is slow.
		}
	}
}

// utxosFor returns the current known unspent set for a script, in no
// particular order.
func (w *utxoWatcher) utxosFor(pkScriptHex string) []escrowUTXO {
	k := strings.ToLower(pkScriptHex)
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]escrowUTXO, 0, len(w.known[k]))
	for _, u := range w.known[k] {
		out = append(out, u)
	}
	return out
}
