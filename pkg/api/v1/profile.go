package v1

// AgentProfile is the API representation of an agent profile.
type AgentProfile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Architecture string `json:"architecture"`
	Model        string `json:"model,omitempty"`
}

// ListProfilesResponse wraps the profile listing.
type ListProfilesResponse struct {
	Profiles []AgentProfile `json:"profiles"`
}
