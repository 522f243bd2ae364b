package models

// CampaignDefaults holds the reusable pieces of a user's latest campaign,
// used to prefill the apply form and to decide which stored assets can be
// reused when a new submission omits them.
type CampaignDefaults struct {
	Subject         string `json:"subject,omitempty"`
	CoverLetter     string `json:"cover_letter,omitempty"`
	ResumeFilename  string `json:"resume_filename,omitempty"`
	AttachmentCount int    `json:"attachment_count"`
}

// HasResume reports whether the stored campaign carries a resume file.
func (d CampaignDefaults) HasResume() bool {
	return d.ResumeFilename != ""
}

// CampaignResult is the summary reported after a submission has been
// processed. SentCount counts successfully attempted sends, not deliveries.
type CampaignResult struct {
	Status     string `json:"status"` // "success", "guest" or "test"
	LeadsCount int    `json:"leads_count"`
	SentCount  int    `json:"sent_count"`
	Leads      []Lead `json:"leads,omitempty"`
}
