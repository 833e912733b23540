package main

import (
	"fmt"
	"log"
)

// #############################################################################

func NewKeyAuthority(logger *log.Logger) *KeyAuthority {
	return &KeyAuthority{
		ref: PartyRef{Role: RoleKeyAuthority, ID: -1},
		log: logger,
	}
}

// CreateContext generates fresh key material. Decryptors handed out for an
// earlier context stop working.
func (k *KeyAuthority) CreateContext(params SchemeParams) (*PublicContext, error) {
	var watch Stopwatch
	watch.Reset()

	ctx, err := NewCryptoContext(params)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.current = ctx
	k.generation++
	gen := k.generation
	k.mu.Unlock()

	k.log.Printf("context %s (generation %d, plaintext=%v) in %s\n", ctx.KeyID(), gen, params.Plaintext, watch.Elapsed())
	return ctx.Public(), nil
}

// AuthorizeDecryptor names the entity allowed to decrypt aggregated sums
// under the current context. It is always the key authority itself.
func (k *KeyAuthority) AuthorizeDecryptor() *Decryptor {
	k.mu.Lock()
	defer k.mu.Unlock()
	return &Decryptor{ref: k.ref, authority: k, generation: k.generation}
}

func (k *KeyAuthority) decrypt(d *Decryptor, ct Ciphertext) ([]float64, error) {
	k.mu.Lock()
	ctx, gen := k.current, k.generation
	k.mu.Unlock()

	if d.authority != k || d.ref != k.ref {
		return nil, fmt.Errorf("%v: %w", d.ref, ErrUnauthorizedDecryptor)
	}
	if ctx == nil || d.generation != gen {
		return nil, fmt.Errorf("decryptor generation %d, current %d: %w", d.generation, gen, ErrStaleContext)
	}
	return ctx.decrypt(ct)
}

func (d *Decryptor) Ref() PartyRef {
	return d.ref
}

func (d *Decryptor) Decrypt(ct Ciphertext) ([]float64, error) {
	if d == nil || d.authority == nil {
		return nil, ErrUnauthorizedDecryptor
	}
	return d.authority.decrypt(d, ct)
}

// #############################################################################

func (r PartyRef) String() string {
	switch r.Role {
	case RoleParty:
		return fmt.Sprintf("party %d", r.ID)
	case RoleAggregator:
		return "aggregator"
	case RoleKeyAuthority:
		return "key authority"
	}
	return fmt.Sprintf("role %d/%d", r.Role, r.ID)
}

// #############################################################################
