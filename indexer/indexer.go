package indexer

import (
	"context"
	"fmt"
	"sync"

	"github.com/arkade-os/ark-sdk/types"
	"golang.org/x/sync/errgroup"
)

// Indexer is the part of the indexer service API the SDK consumes.
type Indexer interface {
	GetVtxos(ctx context.Context, opts ...GetVtxosRequestOption) (*VtxosResponse, error)
	// SubscribeForScripts adds scripts to the subscription, creating it when
	// subscriptionId is empty. It returns the subscription id.
	SubscribeForScripts(ctx context.Context, subscriptionId string, scripts []string) (string, error)
	UnsubscribeForScripts(ctx context.Context, subscriptionId string, scripts []string) error
	// GetSubscription streams the events of the subscription. A stream failure
	// is delivered as a last event with Err set, then the channel is closed.
	GetSubscription(ctx context.Context, subscriptionId string) (<-chan *ScriptEvent, func(), error)
	Close()
}

type PageRequest struct {
	Size  int32
	Index int32
}

type PageResponse struct {
	Current int32
	Next    int32
	Total   int32
}

type VtxosResponse struct {
	Vtxos []types.Vtxo
	Page  *PageResponse
}

type TxData struct {
	Txid string
	Tx   string
}

// ScriptEvent notifies changes of the vtxos locked by subscribed scripts.
type ScriptEvent struct {
	Txid          string
	Tx            string
	Scripts       []string
	NewVtxos      []types.Vtxo
	SpentVtxos    []types.Vtxo
	SweptVtxos    []types.Vtxo
	CheckpointTxs map[string]TxData
	Err           error
}

type GetVtxosRequestOption struct {
	scripts         []string
	outpoints       []types.Outpoint
	spendableOnly   bool
	spentOnly       bool
	recoverableOnly bool
	page            *PageRequest
}

func (o *GetVtxosRequestOption) WithScripts(scripts []string) error {
	if o.outpoints != nil {
		return fmt.Errorf("outpoints already set")
	}
	o.scripts = scripts
	return nil
}

func (o *GetVtxosRequestOption) WithOutpoints(outpoints []types.Outpoint) error {
	if o.scripts != nil {
		return fmt.Errorf("scripts already set")
	}
	o.outpoints = outpoints
	return nil
}

func (o *GetVtxosRequestOption) WithSpendableOnly() {
	o.spendableOnly = true
}

func (o *GetVtxosRequestOption) WithSpentOnly() {
	o.spentOnly = true
}

func (o *GetVtxosRequestOption) WithRecoverableOnly() {
	o.recoverableOnly = true
}

func (o *GetVtxosRequestOption) WithPage(page *PageRequest) {
	o.page = page
}

func (o GetVtxosRequestOption) GetScripts() []string {
	return o.scripts
}

func (o GetVtxosRequestOption) GetOutpoints() []string {
	outpoints := make([]string, 0, len(o.outpoints))
	for _, outpoint := range o.outpoints {
		outpoints = append(outpoints, outpoint.String())
	}
	return outpoints
}

func (o GetVtxosRequestOption) GetSpendableOnly() bool {
	return o.spendableOnly
}

func (o GetVtxosRequestOption) GetSpentOnly() bool {
	return o.spentOnly
}

func (o GetVtxosRequestOption) GetRecoverableOnly() bool {
	return o.recoverableOnly
}

func (o GetVtxosRequestOption) GetPage() *PageRequest {
	return o.page
}

const maxScriptsPerRequest = 100

// GetAllVtxos fetches every vtxo of the scripts, paging through results.
// Scripts are queried in chunks, concurrently.
func GetAllVtxos(ctx context.Context, idx Indexer, scripts []string) ([]types.Vtxo, error) {
	var (
		mu    sync.Mutex
		vtxos = make([]types.Vtxo, 0)
	)

	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(scripts); start += maxScriptsPerRequest {
		chunk := scripts[start:min(start+maxScriptsPerRequest, len(scripts))]
		g.Go(func() error {
			page := &PageRequest{Index: 0}
			for {
				opt := GetVtxosRequestOption{}
				// nolint:errcheck
				opt.WithScripts(chunk)
				opt.WithPage(page)

				resp, err := idx.GetVtxos(ctx, opt)
				if err != nil {
					return err
				}

				mu.Lock()
				vtxos = append(vtxos, resp.Vtxos...)
				mu.Unlock()

				if resp.Page == nil || resp.Page.Next <= resp.Page.Current ||
					resp.Page.Next >= resp.Page.Total {
					return nil
				}
				page = &PageRequest{Index: resp.Page.Next}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vtxos, nil
}
