package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arkade-os/ark-sdk/contract"
	"github.com/arkade-os/ark-sdk/script"
	kvstore "github.com/arkade-os/ark-sdk/store/kv"
	sqlstore "github.com/arkade-os/ark-sdk/store/sql"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const (
	contractsDir = "contracts"
	dbBadger     = "badger"
	dbSqlite     = "sqlite"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s (commit: %s, date: %s)", version, commit, date)
	app.Name = "ark-inspect"
	app.Usage = "offline inspection of ark addresses, scripts and contracts"
	app.Commands = append(
		app.Commands,
		&decodeAddressCommand,
		&disassembleCommand,
		&contractsCommand,
	)
	app.Flags = []cli.Flag{datadirFlag, dbFlag, verboseFlag}
	app.Before = func(ctx *cli.Context) error {
		if ctx.Bool(verboseFlag.Name) {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(fmt.Errorf("error: %v", err))
		os.Exit(1)
	}
}

var (
	datadirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "Specify the data directory",
		Required: false,
		Value:    btcutil.AppDataDir("ark-sdk", false),
		EnvVars:  []string{"ARK_SDK_DATADIR"},
	}
	dbFlag = &cli.StringFlag{
		Name:  "db",
		Usage: "contract store backend, badger or sqlite",
		Value: dbBadger,
	}
	verboseFlag = &cli.BoolFlag{
		Name:        "verbose",
		Usage:       "enable debug logs",
		Value:       false,
		DefaultText: "false",
	}
	addressFlag = &cli.StringFlag{
		Name:     "address",
		Usage:    "ark address to decode",
		Required: true,
	}
	scriptFlag = &cli.StringFlag{
		Name:     "script",
		Usage:    "hex encoded tapscript",
		Required: true,
	}
	serverPubkeyFlag = &cli.StringFlag{
		Name:     "server-pubkey",
		Usage:    "hex encoded public key of the ark server",
		Required: true,
	}
	hrpFlag = &cli.StringFlag{
		Name:  "hrp",
		Usage: "address prefix, ark or tark",
		Value: script.HrpTestnet,
	}
	typeFlag = &cli.StringFlag{
		Name:  "type",
		Usage: "contract type, default or htlc",
		Value: contract.TypeDefault,
	}
	paramFlag = &cli.StringSliceFlag{
		Name:  "param",
		Usage: "contract parameter as key=value, can be repeated",
	}
	labelFlag = &cli.StringFlag{
		Name:  "label",
		Usage: "optional label stored in the contract metadata",
	}
	idFlag = &cli.StringFlag{
		Name:     "id",
		Usage:    "contract id",
		Required: true,
	}
	stateFlag = &cli.StringFlag{
		Name:  "state",
		Usage: "contract state, active or inactive",
	}
	roleFlag = &cli.StringFlag{
		Name:  "role",
		Usage: "role of the spender: owner, sender or receiver",
		Value: string(contract.RoleOwner),
	}
	collaborativeFlag = &cli.BoolFlag{
		Name:  "collaborative",
		Usage: "list the paths cosigned by the server",
	}
	tipHeightFlag = &cli.UintFlag{
		Name:  "tip-height",
		Usage: "current chain height, for block based timelocks",
	}
)

var (
	decodeAddressCommand = cli.Command{
		Name:  "decode-address",
		Usage: "Decode an ark address",
		Flags: []cli.Flag{addressFlag},
		Action: func(ctx *cli.Context) error {
			return decodeAddress(ctx)
		},
	}
	disassembleCommand = cli.Command{
		Name:  "disassemble",
		Usage: "Disassemble a tapscript and detect its closure",
		Flags: []cli.Flag{scriptFlag},
		Action: func(ctx *cli.Context) error {
			return disassemble(ctx)
		},
	}
	contractsCommand = cli.Command{
		Name:  "contracts",
		Usage: "Manage the contracts stored in the data directory",
		Subcommands: cli.Commands{
			{
				Name:  "create",
				Usage: "Create a contract from raw params",
				Flags: []cli.Flag{serverPubkeyFlag, hrpFlag, typeFlag, paramFlag, labelFlag},
				Action: func(ctx *cli.Context) error {
					return createContract(ctx)
				},
			},
			{
				Name:  "list",
				Usage: "List the stored contracts",
				Flags: []cli.Flag{typeFlag, stateFlag},
				Action: func(ctx *cli.Context) error {
					return listContracts(ctx)
				},
			},
			{
				Name:  "set-state",
				Usage: "Activate or deactivate a contract",
				Flags: []cli.Flag{idFlag, stateFlag},
				Action: func(ctx *cli.Context) error {
					return setContractState(ctx)
				},
			},
			{
				Name:  "paths",
				Usage: "Show the leaves of a contract spendable now",
				Flags: []cli.Flag{
					idFlag, roleFlag, collaborativeFlag, tipHeightFlag, serverPubkeyFlag,
					hrpFlag,
				},
				Action: func(ctx *cli.Context) error {
					return spendablePaths(ctx)
				},
			},
		},
	}
)

func decodeAddress(ctx *cli.Context) error {
	addr, err := script.DecodeAddress(ctx.String(addressFlag.Name))
	if err != nil {
		return err
	}
	pkScript, err := addr.PkScript()
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"hrp":          addr.HRP,
		"version":      addr.Version,
		"signer":       hex.EncodeToString(addr.Signer.SerializeCompressed()),
		"vtxo_tap_key": hex.EncodeToString(addr.VtxoTapKey.SerializeCompressed()),
		"script":       hex.EncodeToString(pkScript),
	})
}

func disassemble(ctx *cli.Context) error {
	buf, err := hex.DecodeString(ctx.String(scriptFlag.Name))
	if err != nil {
		return fmt.Errorf("invalid script: %s", err)
	}
	asm, err := script.Disassemble(buf)
	if err != nil {
		return err
	}

	resp := map[string]any{"asm": asm}
	if closure, err := script.DecodeClosure(buf); err == nil {
		resp["closure"] = closureName(closure)
		signers := make([]string, 0)
		for _, key := range script.Signers(closure) {
			signers = append(signers, hex.EncodeToString(schnorrKey(key)))
		}
		resp["signers"] = signers
	} else {
		log.WithError(err).Debug("script is not a known closure")
	}
	return printJSON(resp)
}

func createContract(ctx *cli.Context) error {
	server, err := parsePubkey(ctx.String(serverPubkeyFlag.Name))
	if err != nil {
		return err
	}
	raw, err := parseParams(ctx.StringSlice(paramFlag.Name))
	if err != nil {
		return err
	}
	var metadata map[string]string
	if label := ctx.String(labelFlag.Name); label != "" {
		metadata = map[string]string{"label": label}
	}

	manager, err := getManager(ctx, server)
	if err != nil {
		return err
	}
	defer manager.Close()

	c, err := manager.CreateContractFromRaw(
		ctx.Context, ctx.String(typeFlag.Name), raw, metadata,
	)
	if err != nil {
		return err
	}
	return printJSON(toContractJSON(*c))
}

func listContracts(ctx *cli.Context) error {
	repo, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	filter := contract.Filter{}
	if ctx.IsSet(typeFlag.Name) {
		filter.Types = []string{ctx.String(typeFlag.Name)}
	}
	if state := ctx.String(stateFlag.Name); state != "" {
		if !contract.State(state).IsValid() {
			return fmt.Errorf("invalid state %s", state)
		}
		filter.States = []contract.State{contract.State(state)}
	}

	contracts, err := repo.GetContracts(context.Background(), filter)
	if err != nil {
		return err
	}
	contract.SortByCreation(contracts)

	resp := make([]map[string]any, 0, len(contracts))
	for _, c := range contracts {
		resp = append(resp, toContractJSON(c))
	}
	return printJSON(resp)
}

func setContractState(ctx *cli.Context) error {
	state := contract.State(ctx.String(stateFlag.Name))
	if !state.IsValid() {
		return fmt.Errorf("invalid state %s", state)
	}

	repo, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	contracts, err := repo.GetContracts(
		ctx.Context, contract.Filter{IDs: []string{ctx.String(idFlag.Name)}},
	)
	if err != nil {
		return err
	}
	if len(contracts) <= 0 {
		return contract.ErrContractNotFound
	}
	c := contracts[0]
	c.State = state
	if err := repo.UpdateContract(ctx.Context, &c); err != nil {
		return err
	}
	return printJSON(toContractJSON(c))
}

func spendablePaths(ctx *cli.Context) error {
	server, err := parsePubkey(ctx.String(serverPubkeyFlag.Name))
	if err != nil {
		return err
	}
	manager, err := getManager(ctx, server)
	if err != nil {
		return err
	}
	defer manager.Close()

	opts := make([]contract.PathOption, 0)
	if height := ctx.Uint(tipHeightFlag.Name); height > 0 {
		opts = append(opts, contract.WithChainTip(uint32(height)))
	}
	paths, err := manager.GetSpendablePaths(
		ctx.Context, ctx.String(idFlag.Name), contract.Role(ctx.String(roleFlag.Name)),
		ctx.Bool(collaborativeFlag.Name), opts...,
	)
	if err != nil {
		return err
	}

	resp := make([]map[string]any, 0, len(paths))
	for _, path := range paths {
		asm, err := script.Disassemble(path.Leaf.Script)
		if err != nil {
			return err
		}
		extra := make([]string, 0, len(path.ExtraWitness))
		for _, item := range path.ExtraWitness {
			extra = append(extra, hex.EncodeToString(item))
		}
		resp = append(resp, map[string]any{
			"script":        hex.EncodeToString(path.Leaf.Script),
			"asm":           asm,
			"control_block": hex.EncodeToString(path.Leaf.ControlBlock),
			"sequence":      path.Sequence,
			"locktime":      path.LockTime,
			"extra_witness": extra,
		})
	}
	return printJSON(resp)
}

func openRepository(ctx *cli.Context) (contract.Repository, error) {
	dir := filepath.Join(ctx.String(datadirFlag.Name), contractsDir)
	switch backend := ctx.String(dbFlag.Name); backend {
	case dbBadger:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return kvstore.NewContractRepository(dir, nil)
	case dbSqlite:
		db, err := sqlstore.OpenDb(dir)
		if err != nil {
			return nil, err
		}
		if err := sqlstore.MigrateDb(db); err != nil {
			// nolint:all
			db.Close()
			return nil, err
		}
		return sqlstore.NewContractStore(db), nil
	default:
		return nil, fmt.Errorf("unknown db %s", backend)
	}
}

func getManager(ctx *cli.Context, server *btcec.PublicKey) (*contract.Manager, error) {
	repo, err := openRepository(ctx)
	if err != nil {
		return nil, err
	}
	hrp := ctx.String(hrpFlag.Name)
	if hrp != script.HrpMainnet && hrp != script.HrpTestnet {
		repo.Close()
		return nil, fmt.Errorf("unknown hrp %s", hrp)
	}
	manager, err := contract.NewManager(repo, server, hrp)
	if err != nil {
		repo.Close()
		return nil, err
	}
	return manager, nil
}

func parsePubkey(s string) (*btcec.PublicKey, error) {
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey: %s", err)
	}
	key, err := btcec.ParsePubKey(buf)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey: %s", err)
	}
	return key, nil
}

func parseParams(params []string) (map[string]string, error) {
	raw := make(map[string]string, len(params))
	for _, param := range params {
		key, value, ok := strings.Cut(param, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q, must be key=value", param)
		}
		raw[key] = value
	}
	return raw, nil
}

func toContractJSON(c contract.Contract) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"type":       c.Type,
		"address":    c.Address,
		"script":     c.Script,
		"state":      c.State,
		"created_at": c.CreatedAt.Unix(),
		"metadata":   c.Metadata,
	}
}

func closureName(closure script.Closure) string {
	switch closure.(type) {
	case *script.MultisigClosure:
		return "multisig"
	case *script.CSVMultisigClosure:
		return "csv_multisig"
	case *script.CLTVMultisigClosure:
		return "cltv_multisig"
	case *script.ConditionMultisigClosure:
		return "condition_multisig"
	case *script.ConditionCSVMultisigClosure:
		return "condition_csv_multisig"
	case *script.ProgramClosure:
		return "program"
	default:
		return "unknown"
	}
}

func schnorrKey(key *btcec.PublicKey) []byte {
	return key.SerializeCompressed()[1:]
}

func printJSON(resp any) error {
	jsonBytes, err := json.MarshalIndent(resp, "", "\t")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}
