package params

const (
	// ParamsKeyPauses stores the module pause configuration.
	ParamsKeyPauses = "system/pauses"
	// ParamsKeyAssets lists the target assets accepted by the margin engine.
	ParamsKeyAssets = "margin.assets"
	// ParamsKeySettlementAsset names the asset collateral and proceeds are
	// denominated in.
	ParamsKeySettlementAsset = "margin.settlementAsset"
)
