package codes

// SetRandom replaces the code generator.
func (i *Issuer) SetRandom(fn func() (string, error)) { i.random = fn }
