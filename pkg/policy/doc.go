/*
Package policy is the observer registry for node operations.

Handlers are bound to an event kind and a type or aspect name and are called
synchronously, in registration order, by the node store. "Before" handlers
run ahead of the mutation and may veto it by returning an error; "on"
handlers run once the change is visible inside the transaction.

	registry.Register(policy.BeforeCreateNode, dictionary.TypeFolder,
		func(ctx context.Context, ev *policy.Event) error {
			if ev.Parent.Store.Protocol == types.ProtocolArchive {
				return errors.New("folders cannot be created in the archive")
			}
			return nil
		})
*/
package policy
