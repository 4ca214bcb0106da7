package aws

// Image is the slice of an EC2 machine image the workflows care about.
type Image struct {
	ID      string
	Name    string
	State   string
	OwnerID string
}

// Available reports whether the image finished creating or copying.
func (i Image) Available() bool {
	return i.State == "available"
}

// Instance is the slice of an EC2 instance the workflows care about.
type Instance struct {
	ID    string
	Name  string
	State string
}

// Running reports whether the instance is in the running state.
func (i Instance) Running() bool {
	return i.State == "running"
}

// Snapshot is the slice of an EBS snapshot the sweep cares about. Name is
// the value of the Name tag, empty when the snapshot is untagged.
type Snapshot struct {
	ID      string
	Name    string
	OwnerID string
}
