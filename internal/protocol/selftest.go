package protocol

import (
	"context"

	"github.com/maraxen/pylabpraxis-sub009/internal/asset"
)

// Self-test defaults.
const (
	selfTestVolumeUL   = 50.0
	selfTestSourceWell = "A1"
	selfTestDestWell   = "B1"
)

// SelfTest returns the built-in commissioning protocol: a simulated liquid
// transfer that exercises reservation, every liquid-handling verb, state
// writes, and release. Registered when simulation is enabled so operators
// can smoke-check a workcell with
//
//	praxis/run/submit {"protocol": "self_test"}
//
// Parameters (all optional): volume_ul, source_well, dest_well.
func SelfTest() *Protocol {
	return &Protocol{
		Name:        "self_test",
		Description: "Simulated liquid transfer used for commissioning smoke checks.",
		Requirements: []asset.Requirement{
			{Name: "handler", Category: "liquid_handler"},
			{Name: "plate", Type: "plate_96"},
		},
		Steps: []Step{
			{Name: "load_plate", Run: selfTestLoadPlate},
			{Name: "pick_up_tip", Run: selfTestPickUpTip},
			{Name: "aspirate", Run: selfTestAspirate},
			{Name: "dispense", Run: selfTestDispense},
			{Name: "drop_tip", Run: selfTestDropTip},
			{Name: "home", Run: selfTestHome},
		},
	}
}

// selfTestLoadPlate loads the granted plate onto the handler with enough
// liquid in every well to cover the transfer volume.
func selfTestLoadPlate(ctx context.Context, env *Env) error {
	handler, err := env.Handle("handler")
	if err != nil {
		return err
	}
	plate, err := env.Handle("plate")
	if err != nil {
		return err
	}

	volume := env.FloatParam("volume_ul", selfTestVolumeUL)
	result, err := handler.Execute(ctx, "load_labware", map[string]any{
		"labware":        plate.AssetID(),
		"wells":          96,
		"capacity_ul":    volume * 4,
		"well_volume_ul": volume * 2,
	})
	if err != nil {
		return err
	}

	if err := env.SetVar(ctx, "plate_asset_id", plate.AssetID()); err != nil {
		return err
	}
	return env.Log(ctx, LevelInfo, "plate loaded", map[string]any{
		"labware": plate.AssetID(),
		"wells":   result["wells"],
	})
}

func selfTestPickUpTip(ctx context.Context, env *Env) error {
	handler, err := env.Handle("handler")
	if err != nil {
		return err
	}
	result, err := handler.Execute(ctx, "pick_up_tip", nil)
	if err != nil {
		return err
	}
	return env.SetVar(ctx, "tips_left", result["tips_left"])
}

func selfTestAspirate(ctx context.Context, env *Env) error {
	handler, err := env.Handle("handler")
	if err != nil {
		return err
	}
	plate, err := env.Handle("plate")
	if err != nil {
		return err
	}

	result, err := handler.Execute(ctx, "aspirate", map[string]any{
		"labware":   plate.AssetID(),
		"well":      env.StringParam("source_well", selfTestSourceWell),
		"volume_ul": env.FloatParam("volume_ul", selfTestVolumeUL),
	})
	if err != nil {
		return err
	}
	return env.SetVar(ctx, "tip_volume_ul", result["tip_volume_ul"])
}

func selfTestDispense(ctx context.Context, env *Env) error {
	handler, err := env.Handle("handler")
	if err != nil {
		return err
	}
	plate, err := env.Handle("plate")
	if err != nil {
		return err
	}

	dest := env.StringParam("dest_well", selfTestDestWell)
	result, err := handler.Execute(ctx, "dispense", map[string]any{
		"labware":   plate.AssetID(),
		"well":      dest,
		"volume_ul": env.FloatParam("volume_ul", selfTestVolumeUL),
	})
	if err != nil {
		return err
	}

	if err := env.SetVar(ctx, "dest_well_volume_ul", result["well_volume_ul"]); err != nil {
		return err
	}
	return env.Log(ctx, LevelInfo, "transfer complete", map[string]any{
		"dest_well":      dest,
		"well_volume_ul": result["well_volume_ul"],
	})
}

func selfTestDropTip(ctx context.Context, env *Env) error {
	handler, err := env.Handle("handler")
	if err != nil {
		return err
	}
	_, err = handler.Execute(ctx, "drop_tip", nil)
	return err
}

func selfTestHome(ctx context.Context, env *Env) error {
	handler, err := env.Handle("handler")
	if err != nil {
		return err
	}
	_, err = handler.Execute(ctx, "home", nil)
	return err
}
