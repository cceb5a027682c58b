package api

// RegisterRequest creates or updates a trading instance. Credential fields
// are handed to the broker adapter and never persisted.
type RegisterRequest struct {
	InstanceID      string  `json:"instance_id"`
	Exchange        string  `json:"exchange,omitempty"`
	Symbol          string  `json:"symbol,omitempty"`
	PrivateKey      string  `json:"private_key,omitempty"`
	APIKey          string  `json:"api_key,omitempty"`
	APISecret       string  `json:"api_secret,omitempty"`
	Leverage        float64 `json:"leverage,omitempty"`
	MarginAmount    string  `json:"margin_amount,omitempty"`
	StopLossRatio   float64 `json:"stop_loss_ratio,omitempty"`
	TakeProfitRatio float64 `json:"take_profit_ratio,omitempty"`
	ForbiddenHours  []int   `json:"forbidden_hours,omitempty"`
	StrategyName    string  `json:"strategy_name,omitempty"`
}

// UpdateConfigRequest changes a subset of an instance's configuration; nil
// fields keep their current value.
type UpdateConfigRequest struct {
	MarginAmount    *string  `json:"margin_amount,omitempty"`
	StopLossRatio   *float64 `json:"stop_loss_ratio,omitempty"`
	TakeProfitRatio *float64 `json:"take_profit_ratio,omitempty"`
	Leverage        *float64 `json:"leverage,omitempty"`
	Symbol          *string  `json:"symbol,omitempty"`
}

// PairRequest adds or removes a monitored pair.
type PairRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

type errorResponse struct {
	Error string `json:"error"`
}
