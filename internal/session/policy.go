package session

import (
	"fmt"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/config"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/executor"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/storage"
)

// Policy is what a session trades and how much it commits per entry.
type Policy struct {
	Mode        string              `json:"mode"`
	TargetAsset string              `json:"target_asset,omitempty"`
	Size        executor.SizePolicy `json:"trade_size"`
}

func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		Mode:        cfg.Trading.Mode,
		TargetAsset: cfg.Trading.TargetAsset,
		Size: executor.SizePolicy{
			Kind:  cfg.Trading.TradeSize.Kind,
			Value: cfg.Trading.TradeSize.Value,
		},
	}
}

func policyFromSession(s storage.Session) Policy {
	return Policy{
		Mode:        s.Mode,
		TargetAsset: s.TargetAsset,
		Size:        executor.SizePolicy{Kind: s.TradeSizeKind, Value: s.TradeSizeValue},
	}
}

func (p Policy) Validate() error {
	switch p.Mode {
	case config.ModeAutoScan:
	case config.ModeTargeted:
		if p.TargetAsset == "" {
			return fmt.Errorf("targeted mode requires a target asset")
		}
	default:
		return fmt.Errorf("unknown mode %q", p.Mode)
	}
	return p.Size.Validate()
}

func (p Policy) String() string {
	if p.Mode == config.ModeTargeted {
		return fmt.Sprintf("%s %s, %s %v", p.Mode, p.TargetAsset, p.Size.Kind, p.Size.Value)
	}
	return fmt.Sprintf("%s, %s %v", p.Mode, p.Size.Kind, p.Size.Value)
}
