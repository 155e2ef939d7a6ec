// Package social holds the background work of the social-network backend:
// one queue per feature and the thin handlers that persist through a
// repository.Repository and announce the change on the event bus.
//
// Queues: auth, user, post, reaction, comment, follower, chat,
// notification, email and image.
//
// Events are published on per-entity channels so connected clients can
// subscribe narrowly:
//
//	post:<postId>              post.created, post.updated, post.deleted,
//	                           comment.added, reaction.added, reaction.removed
//	chat:<conversationId>      message.sent, message.read
//	follower:<userId>          follower.added, follower.removed
//	notification:<userId>      notification.created
//	user:<userId>              user.created, user.updated, user.online,
//	                           user.offline, user.image_updated
//
// Persistence is the job; publishing is best effort. A publish failure is
// logged and the job still completes, since the document is already
// written and a retry would not make the notification more timely.
package social
