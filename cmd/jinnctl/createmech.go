package main

import (
	"fmt"
	"math/big"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/Jinn-Network/jinn-node-sub004/internal/chain"
	"github.com/Jinn-Network/jinn-node-sub004/internal/identity"
)

var createMechCmd = &cobra.Command{
	Use:   "create-mech",
	Short: "Deploy a mech for your service through the marketplace",
	Long: `Deploy a mech addressed to your service and print its address.

This is one-time setup: the worker does not discover mechs, it claims
requests addressed to the mech addresses in its configuration. Run this
once per service, then put the printed address under service.mechs.

The transaction goes through the service multisig, so the service must
already be deployed and the operator key must be one of its agents.

Examples:
  jinnctl create-mech --factory 0xFa3758bf... --service 42
  jinnctl create-mech --factory 0xFa3758bf... --service 42 --price 10000000000000000`,
	RunE: runCreateMech,
}

func init() {
	createMechCmd.Flags().String("factory", "", "mech factory contract address")
	createMechCmd.Flags().String("price", "0", "request price in wei the mech charges")
	createMechCmd.Flags().Uint64("service", 0, "service id (or JINN_SERVICE_SERVICE_ID)")
	createMechCmd.Flags().String("rpc", "", "chain RPC endpoint (or JINN_CHAIN_RPC_URL)")
	createMechCmd.Flags().Int64("chain-id", 100, "chain id")
	createMechCmd.Flags().String("key", "", "operator keystore file (or JINN_SERVICE_KEY_FILE)")
	createMechCmd.Flags().String("password-file", "", "keystore password file (or JINN_SERVICE_PASSWORD_FILE)")
	createMechCmd.Flags().String("marketplace", "", "marketplace contract address (or JINN_CHAIN_MARKETPLACE_ADDRESS)")
	createMechCmd.Flags().String("registry", "", "service registry contract address (or JINN_CHAIN_REGISTRY_ADDRESS)")
	createMechCmd.Flags().String("staking", "", "staking contract address (or JINN_CHAIN_STAKING_ADDRESS)")
	_ = createMechCmd.MarkFlagRequired("factory")
	rootCmd.AddCommand(createMechCmd)
}

func runCreateMech(cmd *cobra.Command, args []string) error {
	factoryStr, _ := cmd.Flags().GetString("factory")
	if !common.IsHexAddress(factoryStr) {
		return fmt.Errorf("invalid factory address %q", factoryStr)
	}
	priceStr, _ := cmd.Flags().GetString("price")
	price, ok := new(big.Int).SetString(priceStr, 10)
	if !ok {
		return fmt.Errorf("invalid price %q (want wei as a decimal integer)", priceStr)
	}

	serviceID, _ := cmd.Flags().GetUint64("service")
	if serviceID == 0 {
		env := os.Getenv("JINN_SERVICE_SERVICE_ID")
		if env == "" {
			return fmt.Errorf("--service is required (or set JINN_SERVICE_SERVICE_ID)")
		}
		var err error
		serviceID, err = strconv.ParseUint(env, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid service id %q: %w", env, err)
		}
	}

	rpcURL, err := requireFlagOrEnv(cmd, "rpc", "JINN_CHAIN_RPC_URL")
	if err != nil {
		return err
	}
	keyFile, err := requireFlagOrEnv(cmd, "key", "JINN_SERVICE_KEY_FILE")
	if err != nil {
		return err
	}
	marketplace, err := requireFlagOrEnv(cmd, "marketplace", "JINN_CHAIN_MARKETPLACE_ADDRESS")
	if err != nil {
		return err
	}
	passwordFile := flagOrEnv(cmd, "password-file", "JINN_SERVICE_PASSWORD_FILE", "")
	registry := flagOrEnv(cmd, "registry", "JINN_CHAIN_REGISTRY_ADDRESS", "")
	staking := flagOrEnv(cmd, "staking", "JINN_CHAIN_STAKING_ADDRESS", "")
	chainID, _ := cmd.Flags().GetInt64("chain-id")

	signer, err := identity.LoadSigner(keyFile, passwordFile, chainID)
	if err != nil {
		return fmt.Errorf("operator key: %w", err)
	}

	ctx := cmd.Context()
	rpc, err := chain.Dial(ctx, rpcURL)
	if err != nil {
		return fmt.Errorf("chain rpc: %w", err)
	}
	gw := chain.NewGateway(rpc, signer, chain.Config{
		Marketplace: common.HexToAddress(marketplace),
		Registry:    common.HexToAddress(registry),
		Staking:     common.HexToAddress(staking),
	}, cliLogger())
	defer gw.Close()

	safe, err := gw.ServiceMultisig(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("service %d multisig: %w", serviceID, err)
	}

	fmt.Printf("Deploying mech for service %d through safe %s ...\n", serviceID, safe.Hex())
	mech, err := gw.CreateMech(ctx, safe, serviceID, common.HexToAddress(factoryStr), price)
	if err != nil {
		return fmt.Errorf("mech deployment failed: %w", err)
	}

	return render(map[string]string{"mech": mech.Hex(), "safe": safe.Hex()}, func() {
		fmt.Printf("\n%s Mech deployed!\n\n", green("✓"))
		fmt.Printf("  Mech:    %s\n", bold(mech.Hex()))
		fmt.Printf("  Safe:    %s\n", safe.Hex())
		fmt.Printf("  Service: %d\n", serviceID)
		fmt.Printf("\nAdd it to the worker configuration:\n\n")
		fmt.Printf("  service:\n    mechs:\n      - %s\n", mech.Hex())
	})
}
