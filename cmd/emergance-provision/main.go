// cmd/emergance-provision/main.go
//
// Provisioning tool for field devices. It creates (or inspects) a mission
// file, optionally minting a deployment-specific network key, and can
// pre-trust peer devices so a convoy leaves the depot already paired
// instead of relying on trust-on-first-use in the field.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/emergance/emergance/internal/crypto"
	"github.com/emergance/emergance/internal/keystore"
	"github.com/emergance/emergance/internal/protocol"
)

func main() {
	missionPath := flag.String("mission", "data/mission.json", "mission file path")
	roleFlag := flag.String("role", "DISPATCH", "device role: SOS, DRIVER, DISPATCH, or RELAY")
	networkKeyB64 := flag.String("network-key", "", "base64 network key to install (default: derived offline key)")
	genKey := flag.Bool("generate-network-key", false, "mint a fresh random network key")
	trustDevice := flag.String("trust-device", "", "device ID to pre-trust")
	trustKeyB64 := flag.String("trust-key", "", "base64 Ed25519 public key for -trust-device")
	trustRole := flag.String("trust-role", "DRIVER", "role recorded for -trust-device")
	flag.Parse()

	if err := run(*missionPath, *roleFlag, *networkKeyB64, *genKey, *trustDevice, *trustKeyB64, *trustRole); err != nil {
		fmt.Fprintf(os.Stderr, "emergance-provision: %v\n", err)
		os.Exit(1)
	}
}

func run(missionPath, roleFlag, networkKeyB64 string, genKey bool, trustDevice, trustKeyB64, trustRole string) error {
	role, err := parseRole(roleFlag)
	if err != nil {
		return err
	}

	networkKey, err := resolveNetworkKey(networkKeyB64, genKey)
	if err != nil {
		return err
	}

	ks, err := keystore.LoadOrInit(missionPath, role, networkKey)
	if err != nil {
		return err
	}

	if trustDevice != "" {
		if trustKeyB64 == "" {
			return fmt.Errorf("-trust-device requires -trust-key")
		}
		peerRole, err := parseRole(trustRole)
		if err != nil {
			return err
		}
		pub, err := base64.StdEncoding.DecodeString(trustKeyB64)
		if err != nil {
			return fmt.Errorf("decode -trust-key: %w", err)
		}
		if err := ks.RememberTrustedDevice(trustDevice, peerRole, pub); err != nil {
			return err
		}
		fmt.Printf("trusted device %s (%s)\n", trustDevice, peerRole)
	}

	id := ks.Identity()
	fmt.Printf("mission file:  %s\n", missionPath)
	fmt.Printf("device id:     %s\n", id.DeviceID)
	fmt.Printf("role:          %s\n", role)
	fmt.Printf("public key:    %s\n", base64.StdEncoding.EncodeToString(id.PublicKey))
	fmt.Printf("network key:   %s\n", base64.StdEncoding.EncodeToString(ks.NetworkKey()))
	fmt.Printf("trusted peers: %d\n", ks.TrustedCount())
	return nil
}

func parseRole(s string) (protocol.Role, error) {
	switch role := protocol.Role(s); role {
	case protocol.RoleSOS, protocol.RoleDriver, protocol.RoleDispatch, protocol.RoleRelay:
		return role, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

func resolveNetworkKey(b64 string, generate bool) ([]byte, error) {
	if generate && b64 != "" {
		return nil, fmt.Errorf("-network-key and -generate-network-key are mutually exclusive")
	}
	if generate {
		return crypto.RandomNetworkKey()
	}
	if b64 == "" {
		return crypto.DefaultNetworkKey(), nil
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode -network-key: %w", err)
	}
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("network key must be %d bytes, got %d", crypto.KeySize, len(key))
	}
	return key, nil
}
